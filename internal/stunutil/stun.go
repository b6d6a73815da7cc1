// Package stunutil probes how reachable a bus participant is from
// outside its own NAT, for labs where the LCC and HLCs run on
// different networks. UDPBus runs one probe against its own address
// at startup; the result is only ever logged, since the bus's static
// peer-list model has no fallback (relay, hole punching) to act on a
// bad result with.
package stunutil

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"
)

// Observation is one participant's externally observed address and
// its inferred NAT type, from querying more than one STUN server.
type Observation struct {
	MappedAddr string
	NATType    string
}

// Reachable reports whether a peer holding only this bus's configured
// static address list could dial this participant directly. A
// symmetric NAT remaps the port per destination, so the address a
// STUN server observes would not match what a bus peer sees. Only a
// cone or restricted NAT counts as reachable; an unknown classification
// (fewer than two servers answered) does not.
func (o Observation) Reachable() bool {
	return o.NATType == NATTypeConeOrRestricted
}

// Probe queries stunServers for this host's mapped address as seen
// from outside, and classifies the NAT it sits behind by comparing
// the mapped address reported by each server.
func Probe(ctx context.Context, stunServers []string, timeout time.Duration) (Observation, error) {
	if len(stunServers) == 0 {
		return Observation{NATType: NATTypeUnknown}, fmt.Errorf("no stun servers configured for reachability probe")
	}

	mapped := make([]string, 0, len(stunServers))
	var lastErr error
	for _, server := range stunServers {
		addr, err := queryServer(ctx, server, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		mapped = append(mapped, addr)
	}

	if len(mapped) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("stun probe: no server answered")
		}
		return Observation{NATType: NATTypeUnknown}, lastErr
	}

	return Observation{MappedAddr: mapped[0], NATType: classifyNAT(mapped)}, nil
}

// classifyNAT infers NAT behavior from the mapped addresses multiple
// STUN servers reported for the same local socket: a symmetric NAT
// assigns a different external port per destination, so the mapped
// addresses disagree.
func classifyNAT(mapped []string) string {
	if len(mapped) < 2 {
		return NATTypeUnknown
	}
	first := mapped[0]
	for _, addr := range mapped[1:] {
		if addr != first {
			return NATTypeSymmetric
		}
	}
	return NATTypeConeOrRestricted
}

func queryServer(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", fmt.Errorf("empty stun server address")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)

	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			fail <- err
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case addr := <-result:
		return addr.String(), nil
	case err := <-fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
