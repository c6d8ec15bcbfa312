package main

import (
	"testing"
	"time"

	"fragorder/internal/config"
)

func TestPortManagerUsesConfiguredHost(t *testing.T) {
	pm := portManager(config.PortManagerConfig{Host: "daq-gw", Port: 30001, Timeout: time.Second})
	if pm.LocalHost != "daq-gw" || pm.Port != 30001 || pm.Timeout != time.Second {
		t.Fatalf("client = %+v", pm)
	}
	if pm := portManager(config.PortManagerConfig{}); pm.LocalHost != "localhost" {
		t.Fatalf("default host = %q", pm.LocalHost)
	}
}
