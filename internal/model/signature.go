package model

import (
	"crypto/sha256"
	"encoding/hex"
)

// SignaturePair is one stacking key/value contributed by a pipeline stage.
type SignaturePair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SignatureData is the ordered key/value accumulator used to decide which
// stack an event belongs to. Order matters: the hash is computed over the
// values in insertion order, so two stages contributing the same values in a
// different order produce different stacks.
type SignatureData []SignaturePair

func (d *SignatureData) Add(name, value string) {
	*d = append(*d, SignaturePair{Name: name, Value: value})
}

func (d SignatureData) IsEmpty() bool {
	return len(d) == 0
}

// Hash returns the deterministic hex digest over the ordered value sequence.
// Values are length-prefix delimited so ["ab","c"] and ["a","bc"] cannot
// collide. Stable across process restarts; collision resistance is not a
// security requirement here, only determinism.
func (d SignatureData) Hash() string {
	h := sha256.New()
	var lenBuf [8]byte
	for _, pair := range d {
		n := len(pair.Value)
		for i := 0; i < 8; i++ {
			lenBuf[i] = byte(n >> (8 * i))
		}
		h.Write(lenBuf[:])
		h.Write([]byte(pair.Value))
	}
	return hex.EncodeToString(h.Sum(nil))
}
