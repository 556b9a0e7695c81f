package ledgerindex

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type payoutRow struct {
	Sequence  int64  `parquet:"name=sequence, type=INT64"`
	JobID     int64  `parquet:"name=job_id, type=INT64"`
	Milestone int64  `parquet:"name=milestone, type=INT64"`
	Role      string `parquet:"name=role, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Recipient string `parquet:"name=recipient, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Amount    string `parquet:"name=amount, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Height    int64  `parquet:"name=height, type=INT64"`
	TxHash    string `parquet:"name=tx_hash, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

// ExportPayouts writes the payouts matching filter to a Parquet file at
// path and returns the number of rows written. Refunds, which carry no
// milestone, are written with milestone -1.
func (s *Store) ExportPayouts(ctx context.Context, filter PayoutFilter, path string) (int, error) {
	payouts, err := s.Payouts(ctx, filter)
	if err != nil {
		return 0, err
	}
	if err := writeParquetFile(path, payouts); err != nil {
		return 0, err
	}
	return len(payouts), nil
}

// writeParquetFile writes payouts next to path under a temporary name and
// renames it into place, so a failed export never leaves a partial report.
func writeParquetFile(path string, payouts []Payout) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ledgerindex: create export dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".payouts-*.parquet")
	if err != nil {
		return fmt.Errorf("ledgerindex: create parquet: %w", err)
	}
	tmpPath := tmp.Name()
	if err := writeParquet(tmp, payouts); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ledgerindex: close parquet file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ledgerindex: publish report: %w", err)
	}
	return nil
}

func writeParquet(file *os.File, payouts []Payout) error {
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(file), new(payoutRow), 1)
	if err != nil {
		return fmt.Errorf("ledgerindex: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, p := range payouts {
		row := &payoutRow{
			Sequence:  int64(p.Sequence),
			JobID:     int64(p.JobID),
			Milestone: -1,
			Role:      p.Role,
			Recipient: p.Recipient,
			Amount:    p.Amount,
			Height:    int64(p.Height),
			TxHash:    p.TxHash,
		}
		if p.Milestone != nil {
			row.Milestone = int64(*p.Milestone)
		}
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("ledgerindex: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("ledgerindex: parquet flush: %w", err)
	}
	return nil
}

// RoleTotal is the sum paid to one payout role.
type RoleTotal struct {
	Role   string
	Count  int
	Amount *big.Int
}

// Totals sums the payouts matching filter per role, in role order.
func (s *Store) Totals(ctx context.Context, filter PayoutFilter) ([]RoleTotal, error) {
	payouts, err := s.Payouts(ctx, filter)
	if err != nil {
		return nil, err
	}
	byRole := make(map[string]*RoleTotal)
	for _, p := range payouts {
		amount, ok := new(big.Int).SetString(p.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("ledgerindex: payout %d amount %q", p.Sequence, p.Amount)
		}
		total, ok := byRole[p.Role]
		if !ok {
			total = &RoleTotal{Role: p.Role, Amount: new(big.Int)}
			byRole[p.Role] = total
		}
		total.Count++
		total.Amount.Add(total.Amount, amount)
	}
	out := make([]RoleTotal, 0, len(byRole))
	for _, total := range byRole {
		out = append(out, *total)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out, nil
}
