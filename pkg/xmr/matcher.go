package xmr

import (
	"log"

	"filippo.io/edwards25519"
	gate "github.com/xmrgate/xmrgate/pkg"
)

// Matcher finds the outputs of a transaction that pay one of our
// subaddresses. It is stateless apart from the keys.
type Matcher struct {
	keys *ViewPair
}

func NewMatcher(keys *ViewPair) *Matcher {
	return &Matcher{keys: keys}
}

// Match returns the outputs of tx paying an index in table. Per-output
// failures are returned as MalformedOutput errors and only skip that
// output. Outputs of a timelocked transaction (non-zero unlock_time) are
// never returned.
func (m *Matcher) Match(tx *gate.Transaction, table *LookupTable) ([]gate.MatchedOutput, []error) {
	if table.Len() == 0 || len(tx.Outputs) == 0 {
		return nil, nil
	}
	var errs []error
	extra, err := ParseTxExtra(tx.Extra)
	if err != nil {
		if len(extra.PubKeys) == 0 && len(extra.AdditionalKeys) == 0 {
			return nil, []error{gate.NewErr(gate.MalformedOutput, "tx %s: %v", tx.Hash, err)}
		}
		// keep going with the keys that did parse.
	}

	// derivations 8*a*R for the main and per-output keys
	var main [][]byte
	additional := make([][]byte, len(extra.AdditionalKeys))
	err = m.keys.View.With(func(a *edwards25519.Scalar) error {
		for _, R := range extra.PubKeys {
			if d := derivation(a, R); d != nil {
				main = append(main, d)
			}
		}
		for n, R := range extra.AdditionalKeys {
			additional[n] = derivation(a, R)
		}
		return nil
	})
	if err != nil {
		return nil, []error{err}
	}

	var matched []gate.MatchedOutput
	for i, out := range tx.Outputs {
		if len(out.Key) != 32 {
			errs = append(errs, gate.NewErr(gate.MalformedOutput, "tx %s output %d: bad key length %d", tx.Hash, i, len(out.Key)))
			continue
		}
		P, err := edwards25519.NewIdentityPoint().SetBytes(out.Key)
		if err != nil {
			errs = append(errs, gate.NewErr(gate.MalformedOutput, "tx %s output %d: key is not a point", tx.Hash, i))
			continue
		}
		candidates := main
		if i < len(additional) && additional[i] != nil {
			candidates = append(candidates[:len(candidates):len(candidates)], additional[i])
		}
		for _, d := range candidates {
			if len(out.ViewTag) == 1 && ViewTag(d, uint64(i)) != out.ViewTag[0] {
				continue
			}
			s := HashToScalar(d, Varint(uint64(i)))
			D := new(edwards25519.Point).Subtract(P, new(edwards25519.Point).ScalarBaseMult(s))
			idx, ok := table.Lookup(D)
			if !ok {
				continue
			}
			amount, err := m.amount(tx, out, s)
			if err != nil {
				errs = append(errs, gate.NewErr(gate.MalformedOutput, "tx %s output %d: %v", tx.Hash, i, err))
				break
			}
			matched = append(matched, gate.MatchedOutput{
				Index:       idx,
				Amount:      amount,
				TxID:        tx.Hash,
				OutputIndex: i,
				Height:      tx.Height,
				UnlockTime:  tx.UnlockTime,
			})
			break
		}
	}

	if tx.UnlockTime != 0 && len(matched) > 0 {
		for _, o := range matched {
			log.Printf("Matcher: ignoring timelocked output %s:%d (unlock_time %d) for %s\n", o.TxID, o.OutputIndex, o.UnlockTime, o.Index)
		}
		return nil, errs
	}
	return matched, errs
}

func (m *Matcher) amount(tx *gate.Transaction, out gate.TxOutput, s *edwards25519.Scalar) (uint64, error) {
	if tx.Version < 2 || tx.RctType == RctTypeNull {
		return out.Amount, nil
	}
	return DecodeAmount(tx.RctType, s, out.EncryptedAmount, out.EncryptedMask, out.Commitment)
}

// derivation computes 8*a*R, or nil if R is not a valid point.
func derivation(a *edwards25519.Scalar, R []byte) []byte {
	if len(R) != 32 {
		return nil
	}
	p, err := edwards25519.NewIdentityPoint().SetBytes(R)
	if err != nil {
		return nil
	}
	aR := new(edwards25519.Point).ScalarMult(a, p)
	return new(edwards25519.Point).MultByCofactor(aR).Bytes()
}

// ViewTag is the first byte of Keccak("view_tag" || derivation || varint(i)).
func ViewTag(derivation []byte, outputIndex uint64) byte {
	return Keccak256([]byte("view_tag"), derivation, Varint(outputIndex))[0]
}
