package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/hashicorp/mdns"

	"github.com/izzyreal/edgeagent/internal/config"
)

const (
	discoveryAttempts     = 5
	discoveryInitialDelay = time.Second
	discoveryMaxDelay     = 10 * time.Second
)

var errNoCoordinatorFound = errors.New("no coordinator answered")

// resolveCoordinatorURL returns the configured URL, or looks the coordinator up
// on the local network when only discovery is enabled.
func resolveCoordinatorURL(ctx context.Context, ep config.Endpoint) (string, error) {
	if u := strings.TrimSpace(ep.URL); u != "" {
		return strings.TrimRight(u, "/"), nil
	}
	if !ep.Discover {
		return "", fmt.Errorf("coordinator url is not configured and discovery is disabled")
	}
	return discoverCoordinator(ctx, ep.Service, ep.DiscoverTimeout, lookupCoordinator)
}

type lookupFunc func(service string, timeout time.Duration) ([]*mdns.ServiceEntry, error)

func discoverCoordinator(ctx context.Context, service string, timeout time.Duration, lookup lookupFunc) (string, error) {
	type found struct {
		url string
		err error
	}
	resCh := make(chan found, 1)
	go func() {
		var baseURL string
		attempt := 0
		err := retry.Do(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			attempt++
			entries, err := lookup(service, timeout)
			if err != nil {
				slog.Warn("coordinator discovery failed", "service", service, "attempt", attempt, "error", err)
				return err
			}
			u, err := coordinatorURLFromEntries(entries)
			if err != nil {
				slog.Warn("coordinator discovery found nothing", "service", service, "attempt", attempt)
				return err
			}
			baseURL = u
			return nil
		}, retry.Attempts(discoveryAttempts), retry.Delay(discoveryInitialDelay), retry.MaxDelay(discoveryMaxDelay))
		resCh <- found{url: baseURL, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-resCh:
		if res.err != nil {
			return "", fmt.Errorf("discover coordinator via %s: %w", service, res.err)
		}
		slog.Info("coordinator discovered", "service", service, "url", res.url)
		return res.url, nil
	}
}

func lookupCoordinator(service string, timeout time.Duration) ([]*mdns.ServiceEntry, error) {
	entriesCh := make(chan *mdns.ServiceEntry, 16)
	var entries []*mdns.ServiceEntry
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entriesCh {
			entries = append(entries, e)
		}
	}()

	params := mdns.DefaultParams(service)
	params.Entries = entriesCh
	params.Timeout = timeout
	params.DisableIPv6 = true
	err := mdns.Query(params)
	close(entriesCh)
	<-done
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// coordinatorURLFromEntries picks a stable answer when several coordinators
// respond: IPv4 first, then by instance name.
func coordinatorURLFromEntries(entries []*mdns.ServiceEntry) (string, error) {
	candidates := make([]*mdns.ServiceEntry, 0, len(entries))
	for _, e := range entries {
		if e == nil || e.Port <= 0 || (e.AddrV4 == nil && e.AddrV6 == nil) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return "", errNoCoordinatorFound
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a4 := candidates[i].AddrV4 != nil
		b4 := candidates[j].AddrV4 != nil
		if a4 != b4 {
			return a4
		}
		return candidates[i].Name < candidates[j].Name
	})

	e := candidates[0]
	ip := e.AddrV4
	if ip == nil {
		ip = e.AddrV6
	}
	scheme := "http"
	for _, field := range e.InfoFields {
		if k, v, ok := strings.Cut(field, "="); ok && k == "scheme" && (v == "http" || v == "https") {
			scheme = v
		}
	}
	return scheme + "://" + net.JoinHostPort(ip.String(), strconv.Itoa(e.Port)), nil
}
