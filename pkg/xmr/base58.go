package xmr

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Monero base58 encodes 8-byte blocks into 11 characters each (the last
// block is shorter), unlike Bitcoin's whole-number base58.

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

const (
	fullBlockSize        = 8
	fullEncodedBlockSize = 11
)

// encoded size for a block of n bytes, n = 0..8
var encodedBlockSizes = [fullBlockSize + 1]int{0, 2, 3, 5, 6, 7, 9, 10, 11}

func Base58Encode(data []byte) string {
	var sb strings.Builder
	for len(data) > 0 {
		n := len(data)
		if n > fullBlockSize {
			n = fullBlockSize
		}
		sb.WriteString(encodeBlock(data[:n]))
		data = data[n:]
	}
	return sb.String()
}

func encodeBlock(block []byte) string {
	var buf [fullBlockSize]byte
	copy(buf[fullBlockSize-len(block):], block)
	num := binary.BigEndian.Uint64(buf[:])
	size := encodedBlockSizes[len(block)]
	out := make([]byte, size)
	for i := size - 1; i >= 0; i-- {
		out[i] = base58Alphabet[num%58]
		num /= 58
	}
	return string(out)
}

func Base58Decode(str string) ([]byte, error) {
	var out []byte
	for len(str) > 0 {
		n := len(str)
		if n > fullEncodedBlockSize {
			n = fullEncodedBlockSize
		}
		block, err := decodeBlock(str[:n])
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
		str = str[n:]
	}
	return out, nil
}

func decodeBlock(s string) ([]byte, error) {
	size := -1
	for n, enc := range encodedBlockSizes {
		if enc == len(s) {
			size = n
			break
		}
	}
	if size <= 0 {
		return nil, fmt.Errorf("base58: invalid block length %d", len(s))
	}
	var num uint64
	for i := 0; i < len(s); i++ {
		digit := strings.IndexByte(base58Alphabet, s[i])
		if digit < 0 {
			return nil, fmt.Errorf("base58: invalid character %q", s[i])
		}
		hi := num * 58
		if hi/58 != num {
			return nil, fmt.Errorf("base58: block overflow")
		}
		num = hi + uint64(digit)
		if num < hi {
			return nil, fmt.Errorf("base58: block overflow")
		}
	}
	if size < fullBlockSize && num>>(8*size) != 0 {
		return nil, fmt.Errorf("base58: block overflow")
	}
	var buf [fullBlockSize]byte
	binary.BigEndian.PutUint64(buf[:], num)
	return buf[fullBlockSize-size:], nil
}
