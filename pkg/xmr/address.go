package xmr

import (
	"bytes"
	"encoding/binary"

	gate "github.com/xmrgate/xmrgate/pkg"
)

type Network struct {
	Name             string
	StandardPrefix   uint64
	IntegratedPrefix uint64
	SubaddressPrefix uint64
}

var Mainnet = Network{"mainnet", 18, 19, 42}
var Testnet = Network{"testnet", 53, 54, 63}
var Stagenet = Network{"stagenet", 24, 25, 36}

func NetworkByName(name string) (Network, error) {
	switch name {
	case "mainnet", "":
		return Mainnet, nil
	case "testnet":
		return Testnet, nil
	case "stagenet":
		return Stagenet, nil
	}
	return Network{}, gate.NewErr(gate.BadRequest, "unknown network: %q", name)
}

// Address is a decoded standard address or subaddress.
type Address struct {
	Network      Network
	IsSubaddress bool
	SpendKey     [32]byte
	ViewKey      [32]byte
}

// EncodeAddress builds the base58 string for a spend/view public key pair.
func EncodeAddress(prefix uint64, spend, view []byte) string {
	data := make([]byte, 0, 10+64+4)
	data = binary.AppendUvarint(data, prefix)
	data = append(data, spend...)
	data = append(data, view...)
	data = append(data, Keccak256(data)[:4]...)
	return Base58Encode(data)
}

// ParseAddress decodes a standard address or subaddress on any network
// and verifies its checksum. Integrated addresses are rejected.
func ParseAddress(s string) (Address, error) {
	data, err := Base58Decode(s)
	if err != nil {
		return Address{}, gate.NewErr(gate.BadRequest, "address: %v", err)
	}
	prefix, n := binary.Uvarint(data)
	if n <= 0 || len(data) != n+64+4 {
		return Address{}, gate.NewErr(gate.BadRequest, "address: wrong length")
	}
	body, check := data[:n+64], data[n+64:]
	if !bytes.Equal(Keccak256(body)[:4], check) {
		return Address{}, gate.NewErr(gate.BadRequest, "address: wrong checksum")
	}
	addr := Address{}
	copy(addr.SpendKey[:], body[n:n+32])
	copy(addr.ViewKey[:], body[n+32:])
	for _, net := range []Network{Mainnet, Testnet, Stagenet} {
		switch prefix {
		case net.StandardPrefix:
			addr.Network = net
			return addr, nil
		case net.SubaddressPrefix:
			addr.Network = net
			addr.IsSubaddress = true
			return addr, nil
		}
	}
	return Address{}, gate.NewErr(gate.BadRequest, "address: unsupported prefix %d", prefix)
}
