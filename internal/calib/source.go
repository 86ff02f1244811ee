package calib

import (
	"context"
	"io"
)

// Source yields batches of token id sequences. Next returns io.EOF once the
// source is drained.
type Source interface {
	Next(ctx context.Context) ([][]int32, error)
}

// SliceSource serves pre-tokenized sequences from memory.
type SliceSource struct {
	seqs      [][]int32
	batchSize int
	pos       int
}

func NewSliceSource(seqs [][]int32, batchSize int) *SliceSource {
	if batchSize < 1 {
		batchSize = 1
	}
	return &SliceSource{seqs: seqs, batchSize: batchSize}
}

func (s *SliceSource) Next(ctx context.Context) ([][]int32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.seqs) {
		return nil, io.EOF
	}
	end := s.pos + s.batchSize
	if end > len(s.seqs) {
		end = len(s.seqs)
	}
	out := s.seqs[s.pos:end]
	s.pos = end
	return out, nil
}
