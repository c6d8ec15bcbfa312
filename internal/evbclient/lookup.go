package evbclient

import (
	"context"
	"fmt"
	"os/user"

	"fragorder/internal/domain"
	"fragorder/internal/portmanager"
)

// ServiceTag is the application name orderers advertise under.
const ServiceTag = "ORDERER"

// PortLister lists the ports advertised on a host.
type PortLister interface {
	List(ctx context.Context, host string) ([]portmanager.Service, error)
}

// ServiceName is the advertised name for an orderer run by user, optionally
// qualified by an instance name.
func ServiceName(userName, instance string) string {
	name := ServiceTag + ":" + userName
	if instance != "" {
		name += ":" + instance
	}
	return name
}

// Lookup finds the port of the orderer that userName advertises on host.
// An empty userName means the current user.
func Lookup(ctx context.Context, lister PortLister, host, userName, instance string) (int, error) {
	if userName == "" {
		u, err := user.Current()
		if err != nil {
			return 0, fmt.Errorf("lookup current user: %w", err)
		}
		userName = u.Username
	}
	services, err := lister.List(ctx, host)
	if err != nil {
		return 0, &TransportError{Op: "lookup", Err: err}
	}
	want := ServiceName(userName, instance)
	for _, s := range services {
		if s.Application == want && s.User == userName {
			return s.Port, nil
		}
	}
	return 0, fmt.Errorf("%w: no %s service on %s", domain.ErrNotFound, want, host)
}
