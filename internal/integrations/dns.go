package integrations

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

type mxLookuper interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// MXValidator accepts a mail domain when it publishes at least one MX record.
type MXValidator struct {
	resolver mxLookuper
	timeout  time.Duration
}

func NewMXValidator(timeout time.Duration) *MXValidator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MXValidator{resolver: net.DefaultResolver, timeout: timeout}
}

// HasMX reports false for NXDOMAIN and empty answers; other resolver
// failures are returned as errors.
func (v *MXValidator) HasMX(ctx context.Context, domain string) (bool, error) {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	records, err := v.resolver.LookupMX(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return false, nil
		}
		return false, fmt.Errorf("lookup mx: %w", err)
	}

	return len(records) > 0, nil
}
