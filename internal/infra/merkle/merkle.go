package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

const HashSize = 32

var (
	ErrEmptyTree      = errors.New("empty merkle tree")
	ErrInvalidHashLen = errors.New("invalid hash length")
	ErrInvalidIndex   = errors.New("invalid leaf index")
)

// NodeHash digests the concatenation of two child hashes.
func NodeHash(left, right []byte) []byte {
	hasher := sha256.New()
	hasher.Write(left)
	hasher.Write(right)
	return hasher.Sum(nil)
}

// Root computes the batch root. Each level pairs nodes left to right and
// digests the concatenation; a trailing odd node is promoted unchanged to the
// next level, never duplicated. Verifiers must reproduce this rule exactly.
func Root(leaves [][]byte) ([]byte, error) {
	level, err := cloneAndValidateLeaves(leaves)
	if err != nil {
		return nil, err
	}
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0], nil
}

// RootHex computes the root over hex-encoded leaf hashes and returns it
// hex-encoded, the form chain entry hashes are stored in.
func RootHex(leafHexes []string) (string, error) {
	leaves, err := decodeLeaves(leafHexes)
	if err != nil {
		return "", err
	}
	root, err := Root(leaves)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(root), nil
}

// ProofStep is one sibling on an inclusion path. Left reports whether the
// sibling sits to the left of the running hash. A promoted node consumes no
// sibling at its level, so paths can be shorter than ceil(log2(n)).
type ProofStep struct {
	Hash []byte
	Left bool
}

func InclusionProof(leaves [][]byte, leafIndex int) ([]ProofStep, error) {
	level, err := cloneAndValidateLeaves(leaves)
	if err != nil {
		return nil, err
	}
	if leafIndex < 0 || leafIndex >= len(level) {
		return nil, ErrInvalidIndex
	}

	path := make([]ProofStep, 0)
	index := leafIndex
	for len(level) > 1 {
		odd := len(level)%2 == 1
		next := nextLevel(level)
		switch {
		case odd && index == len(level)-1:
			// Promoted unchanged; nothing joins the path at this level.
			index = len(next) - 1
		case index%2 == 0:
			path = append(path, ProofStep{Hash: cloneHash(level[index+1]), Left: false})
			index /= 2
		default:
			path = append(path, ProofStep{Hash: cloneHash(level[index-1]), Left: true})
			index /= 2
		}
		level = next
	}
	return path, nil
}

func VerifyInclusionProof(leafHash []byte, path []ProofStep, expectedRoot []byte) (bool, error) {
	if err := validateHash(leafHash); err != nil {
		return false, err
	}
	if err := validateHash(expectedRoot); err != nil {
		return false, err
	}
	hash := cloneHash(leafHash)
	for _, step := range path {
		if err := validateHash(step.Hash); err != nil {
			return false, err
		}
		if step.Left {
			hash = NodeHash(step.Hash, hash)
		} else {
			hash = NodeHash(hash, step.Hash)
		}
	}
	return bytes.Equal(hash, expectedRoot), nil
}

func nextLevel(level [][]byte) [][]byte {
	next := make([][]byte, 0, (len(level)+1)/2)
	for i := 0; i+1 < len(level); i += 2 {
		next = append(next, NodeHash(level[i], level[i+1]))
	}
	if len(level)%2 == 1 {
		next = append(next, level[len(level)-1])
	}
	return next
}

func decodeLeaves(leafHexes []string) ([][]byte, error) {
	if len(leafHexes) == 0 {
		return nil, ErrEmptyTree
	}
	out := make([][]byte, len(leafHexes))
	for i, leafHex := range leafHexes {
		decoded, err := hex.DecodeString(leafHex)
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
		if len(decoded) != HashSize {
			return nil, fmt.Errorf("leaf %d: %w", i, ErrInvalidHashLen)
		}
		out[i] = decoded
	}
	return out, nil
}

func cloneAndValidateLeaves(leaves [][]byte) ([][]byte, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	out := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		if err := validateHash(leaf); err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
		out[i] = cloneHash(leaf)
	}
	return out, nil
}

func validateHash(hash []byte) error {
	if len(hash) != HashSize {
		return ErrInvalidHashLen
	}
	return nil
}

func cloneHash(hash []byte) []byte {
	if hash == nil {
		return nil
	}
	out := make([]byte, len(hash))
	copy(out, hash)
	return out
}
