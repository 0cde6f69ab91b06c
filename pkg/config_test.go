package gate_test

import (
	"testing"

	gate "github.com/xmrgate/xmrgate/pkg"
)

func TestConfigValidate(t *testing.T) {
	conf := gate.TestConfig()
	if err := conf.Validate(); err != nil {
		t.Fatalf("TestConfig should validate: %v", err)
	}

	conf.Invoices.ExpirationBlocks = gate.MaxExpirationBlocks + 1
	if err := conf.Validate(); !gate.IsError(err, gate.BadRequest) {
		t.Fatalf("expected BadRequest for expiration_blocks, got %v", err)
	}

	conf = gate.TestConfig()
	conf.Gateway.Network = "regtest"
	if err := conf.Validate(); !gate.IsError(err, gate.BadRequest) {
		t.Fatalf("expected BadRequest for network, got %v", err)
	}
}
