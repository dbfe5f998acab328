package cryptvol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// ImportStats summarizes one image import
type ImportStats struct {
	BlocksRead    uint64        // Blocks consumed from the image
	BlocksWritten uint64        // Blocks encrypted into the volume
	BlocksSkipped uint64        // All-zero blocks left unallocated
	BytesRead     int64         // Raw image bytes consumed
	Duration      time.Duration // Wall time of the import
}

// ImportImage copies a raw disk image into v starting at block 0. All-zero
// blocks stay unallocated so the container remains sparse. A trailing
// partial block is zero-padded. An image larger than the volume fails with
// a RangeError after the blocks that fit have been written.
func ImportImage(ctx context.Context, v *Volume, r io.Reader) (ImportStats, error) {
	if v == nil {
		return ImportStats{}, NewValidationError("volume", nil, "volume cannot be nil")
	}
	if r == nil {
		return ImportStats{}, NewValidationError("reader", nil, "reader cannot be nil")
	}

	start := time.Now()
	var st ImportStats
	buf := make([]byte, BlockSize)
	total := v.TotalBlocks()

	for index := uint64(0); ; index++ {
		if err := ctx.Err(); err != nil {
			return st, fmt.Errorf("image import interrupted at block %d: %w", index, err)
		}

		n, err := io.ReadFull(r, buf)
		if n == 0 {
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return st, fmt.Errorf("failed to read image: %w", err)
			}
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return st, fmt.Errorf("failed to read image: %w", err)
		}
		clear(buf[n:])
		st.BytesRead += int64(n)

		if index >= total {
			return st, &RangeError{Index: index, Total: total}
		}
		st.BlocksRead++

		if isZeroBlock(buf) {
			st.BlocksSkipped++
		} else {
			if werr := v.WriteBlock(index, buf); werr != nil {
				return st, werr
			}
			st.BlocksWritten++
		}

		if errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
	}

	st.Duration = time.Since(start)
	v.log.WithFields(logrus.Fields{
		"read":     st.BlocksRead,
		"written":  st.BlocksWritten,
		"skipped":  st.BlocksSkipped,
		"duration": st.Duration,
	}).Info("imported image")
	return st, nil
}
