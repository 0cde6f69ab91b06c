package xmr

import (
	"encoding/binary"
	"fmt"
)

// tx_extra field tags
const (
	extraPadding        = 0x00
	extraPubKey         = 0x01
	extraNonce          = 0x02
	extraMergeMining    = 0x03
	extraAdditionalKeys = 0x04
	extraMinergate      = 0xde
)

// TxExtra holds the fields of tx_extra the matcher cares about.
type TxExtra struct {
	PubKeys        [][]byte // tag 0x01; normally exactly one
	AdditionalKeys [][]byte // tag 0x04; one per output when present
	Nonce          []byte   // tag 0x02 (payment id etc.)
}

type extraStream struct {
	b []byte
	p int
}

func (s *extraStream) remaining() int {
	return len(s.b) - s.p
}

func (s *extraStream) readByte() (byte, error) {
	if s.remaining() < 1 {
		return 0, fmt.Errorf("tx_extra: truncated")
	}
	v := s.b[s.p]
	s.p++
	return v, nil
}

func (s *extraStream) readBytes(n int) ([]byte, error) {
	if n < 0 || s.remaining() < n {
		return nil, fmt.Errorf("tx_extra: truncated")
	}
	v := s.b[s.p : s.p+n]
	s.p += n
	return v, nil
}

func (s *extraStream) readVarint() (uint64, error) {
	v, n := binary.Uvarint(s.b[s.p:])
	if n <= 0 {
		return 0, fmt.Errorf("tx_extra: bad varint")
	}
	s.p += n
	return v, nil
}

// ParseTxExtra parses tx_extra. Like monerod it keeps every field parsed
// before an unknown tag or a truncated field, and reports the error.
func ParseTxExtra(extra []byte) (TxExtra, error) {
	var out TxExtra
	s := &extraStream{b: extra}
	for s.remaining() > 0 {
		tag, _ := s.readByte()
		switch tag {
		case extraPadding:
			// padding runs to the end and must be all zeros.
			for s.remaining() > 0 {
				if b, _ := s.readByte(); b != 0 {
					return out, fmt.Errorf("tx_extra: non-zero padding")
				}
			}
		case extraPubKey:
			key, err := s.readBytes(32)
			if err != nil {
				return out, err
			}
			out.PubKeys = append(out.PubKeys, key)
		case extraNonce, extraMergeMining, extraMinergate:
			size, err := s.readVarint()
			if err != nil {
				return out, err
			}
			data, err := s.readBytes(int(size))
			if err != nil {
				return out, err
			}
			if tag == extraNonce {
				out.Nonce = data
			}
		case extraAdditionalKeys:
			count, err := s.readVarint()
			if err != nil {
				return out, err
			}
			if count > uint64(s.remaining()/32) {
				return out, fmt.Errorf("tx_extra: truncated additional keys")
			}
			for i := uint64(0); i < count; i++ {
				key, _ := s.readBytes(32)
				out.AdditionalKeys = append(out.AdditionalKeys, key)
			}
		default:
			return out, fmt.Errorf("tx_extra: unknown tag 0x%02x", tag)
		}
	}
	return out, nil
}

// BuildTxExtra is the inverse of ParseTxExtra for pubkeys, used to
// construct test transactions.
func BuildTxExtra(pubKey []byte, additional [][]byte) []byte {
	var out []byte
	if pubKey != nil {
		out = append(out, extraPubKey)
		out = append(out, pubKey...)
	}
	if len(additional) > 0 {
		out = append(out, extraAdditionalKeys)
		out = binary.AppendUvarint(out, uint64(len(additional)))
		for _, k := range additional {
			out = append(out, k...)
		}
	}
	return out
}
