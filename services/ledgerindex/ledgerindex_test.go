package ledgerindex

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"workchain/core/types"
	"workchain/native/escrow"
	"workchain/sdk/rpcclient"
)

type fakeSource struct {
	events []rpcclient.EventRecord
	calls  int
	fail   error
}

func (f *fakeSource) ListEvents(_ context.Context, filter rpcclient.EventFilter) (*rpcclient.EventPage, error) {
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	page := &rpcclient.EventPage{Next: filter.From}
	for _, rec := range f.events {
		if rec.Seq < filter.From {
			continue
		}
		if len(page.Events) == filter.Limit {
			break
		}
		page.Events = append(page.Events, rec)
		page.Next = rec.Seq + 1
	}
	return page, nil
}

func event(seq, height uint64, eventType string, attrs map[string]string) rpcclient.EventRecord {
	return rpcclient.EventRecord{
		Seq:    seq,
		Height: height,
		TxHash: "tx" + strconv.FormatUint(seq, 10),
		Event:  types.Event{Type: eventType, Attributes: attrs},
	}
}

func payout(seq, height uint64, job, milestone, role, amount string) rpcclient.EventRecord {
	attrs := map[string]string{
		escrow.AttributeJobID:     job,
		escrow.AttributeRole:      role,
		escrow.AttributeRecipient: "wk1" + role,
		escrow.AttributeAmount:    amount,
	}
	if milestone != "" {
		attrs[escrow.AttributeMilestone] = milestone
	}
	return event(seq, height, escrow.EventTypePayout, attrs)
}

func sampleLog() []rpcclient.EventRecord {
	return []rpcclient.EventRecord{
		event(1, 1, escrow.EventTypeJobCreated, map[string]string{escrow.AttributeJobID: "1"}),
		event(2, 2, escrow.EventTypeWorkSubmitted, map[string]string{escrow.AttributeJobID: "1", escrow.AttributeMilestone: "0"}),
		payout(3, 3, "1", "0", escrow.PayoutRoleFreelancer, "180"),
		payout(4, 3, "1", "0", escrow.PayoutRolePlatform, "20"),
		event(5, 3, escrow.EventTypeMilestoneApproved, map[string]string{escrow.AttributeJobID: "1", escrow.AttributeMilestone: "0"}),
		event(6, 4, escrow.EventTypeJobCreated, map[string]string{escrow.AttributeJobID: "2"}),
		payout(7, 5, "2", "", escrow.PayoutRoleClient, "300"),
		event(8, 5, escrow.EventTypeJobRefunded, map[string]string{escrow.AttributeJobID: "2"}),
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCatchUpPagesThroughLog(t *testing.T) {
	store := openTestStore(t)
	source := &fakeSource{events: sampleLog()}
	f := NewFollower(source, store, nil)
	f.SetBatchSize(3)

	n, err := f.CatchUp(context.Background())
	require.NoError(t, err)
	require.Equal(t, 8, n)
	cursor, err := store.Cursor(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(9), cursor)

	// Nothing new: one empty poll, no duplicates.
	calls := source.calls
	n, err = f.CatchUp(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, calls+1, source.calls)

	events, err := store.JobEvents(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, events, 5)
	require.Equal(t, escrow.EventTypeJobCreated, events[0].Event.Type)
	require.Equal(t, "180", events[2].Event.Attributes[escrow.AttributeAmount])
}

func TestCatchUpResumesFromCursor(t *testing.T) {
	store := openTestStore(t)
	log := sampleLog()
	source := &fakeSource{events: log[:4]}
	f := NewFollower(source, store, nil)

	_, err := f.CatchUp(context.Background())
	require.NoError(t, err)
	source.events = log
	n, err := f.CatchUp(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, n)

	payouts, err := store.Payouts(context.Background(), PayoutFilter{})
	require.NoError(t, err)
	require.Len(t, payouts, 3)
}

func TestCatchUpSurfacesSourceErrors(t *testing.T) {
	store := openTestStore(t)
	boom := errors.New("node down")
	_, err := NewFollower(&fakeSource{fail: boom}, store, nil).CatchUp(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestPayoutFiltersAndTotals(t *testing.T) {
	store := openTestStore(t)
	_, err := NewFollower(&fakeSource{events: sampleLog()}, store, nil).CatchUp(context.Background())
	require.NoError(t, err)
	ctx := context.Background()

	job1, err := store.Payouts(ctx, PayoutFilter{JobID: 1})
	require.NoError(t, err)
	require.Len(t, job1, 2)
	require.NotNil(t, job1[0].Milestone)
	require.Equal(t, uint64(0), *job1[0].Milestone)

	refunds, err := store.Payouts(ctx, PayoutFilter{Role: escrow.PayoutRoleClient})
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	require.Nil(t, refunds[0].Milestone)

	late, err := store.Payouts(ctx, PayoutFilter{FromHeight: 4, ToHeight: 10})
	require.NoError(t, err)
	require.Len(t, late, 1)

	totals, err := store.Totals(ctx, PayoutFilter{})
	require.NoError(t, err)
	require.Len(t, totals, 3)
	require.Equal(t, escrow.PayoutRoleClient, totals[0].Role)
	require.Equal(t, "300", totals[0].Amount.String())
	require.Equal(t, escrow.PayoutRoleFreelancer, totals[1].Role)
	require.Equal(t, "180", totals[1].Amount.String())
}

func TestExportPayoutsWritesParquet(t *testing.T) {
	store := openTestStore(t)
	_, err := NewFollower(&fakeSource{events: sampleLog()}, store, nil).CatchUp(context.Background())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "reports", "payouts.parquet")
	n, err := store.ExportPayouts(context.Background(), PayoutFilter{}, path)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(raw), 8)
	require.Equal(t, "PAR1", string(raw[:4]))
	require.Equal(t, "PAR1", string(raw[len(raw)-4:]))

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(payoutRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.Equal(t, int64(3), pr.GetNumRows())
	rows := make([]payoutRow, 3)
	require.NoError(t, pr.Read(&rows))
	require.Equal(t, escrow.PayoutRoleFreelancer, rows[0].Role)
	require.Equal(t, "180", rows[0].Amount)
	require.Equal(t, int64(0), rows[0].Milestone)
	require.Equal(t, escrow.PayoutRoleClient, rows[2].Role)
	require.Equal(t, int64(-1), rows[2].Milestone)
	require.Equal(t, "tx7", rows[2].TxHash)
}

func TestFailedExportLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	// A directory squats on the report name, so publishing it fails.
	target := filepath.Join(dir, "payouts.parquet")
	require.NoError(t, os.MkdirAll(filepath.Join(target, "occupied"), 0o755))

	err := writeParquetFile(target, []Payout{{Sequence: 1, JobID: 1, Role: "platform", Recipient: "wk1x", Amount: "1"}})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "payouts.parquet", entries[0].Name())
	require.True(t, entries[0].IsDir())
}

func TestSchedulerExportsOnlyNewPayouts(t *testing.T) {
	store := openTestStore(t)
	log := sampleLog()
	source := &fakeSource{events: log[:5]}
	f := NewFollower(source, store, nil)
	_, err := f.CatchUp(context.Background())
	require.NoError(t, err)

	dir := t.TempDir()
	s := NewScheduler(SchedulerConfig{Store: store, OutputDir: dir, RunHour: 30, RunMinute: -5})
	require.Equal(t, 23, s.runHour)
	require.Equal(t, 0, s.runMinute)

	day := time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)
	path, n, err := s.RunOnce(context.Background(), day)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, filepath.Join(dir, "payouts-20240301-2300.parquet"), path)

	// Nothing new since the last report.
	path, n, err = s.RunOnce(context.Background(), day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, path)

	source.events = log
	_, err = f.CatchUp(context.Background())
	require.NoError(t, err)
	_, n, err = s.RunOnce(context.Background(), day.Add(48*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSchedulerResumesFromStoredWatermark(t *testing.T) {
	store := openTestStore(t)
	_, err := NewFollower(&fakeSource{events: sampleLog()}, store, nil).CatchUp(context.Background())
	require.NoError(t, err)
	dir := t.TempDir()
	day := time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)

	_, n, err := NewScheduler(SchedulerConfig{Store: store, OutputDir: dir}).RunOnce(context.Background(), day)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	mark, err := store.ExportWatermark(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(7), mark)

	// A restarted daemon builds a fresh scheduler over the same database.
	path, n, err := NewScheduler(SchedulerConfig{Store: store, OutputDir: dir}).RunOnce(context.Background(), day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, path)

	// The follow cursor and the export watermark are independent.
	cursor, err := store.Cursor(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(9), cursor)
}

func TestSchedulerKeepsWatermarkWhenExportFails(t *testing.T) {
	store := openTestStore(t)
	_, err := NewFollower(&fakeSource{events: sampleLog()}, store, nil).CatchUp(context.Background())
	require.NoError(t, err)
	dir := t.TempDir()
	day := time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "payouts-20240301-0200.parquet", "x"), 0o755))

	_, _, err = NewScheduler(SchedulerConfig{Store: store, OutputDir: dir}).RunOnce(context.Background(), day)
	require.Error(t, err)
	mark, err := store.ExportWatermark(context.Background())
	require.NoError(t, err)
	require.Zero(t, mark)
}

func TestSchedulerNextRun(t *testing.T) {
	s := NewScheduler(SchedulerConfig{RunHour: 1, RunMinute: 5})
	before := time.Date(2024, 3, 1, 0, 30, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, 3, 1, 1, 5, 0, 0, time.UTC), s.nextRun(before))
	after := time.Date(2024, 3, 1, 1, 5, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, 3, 2, 1, 5, 0, 0, time.UTC), s.nextRun(after))
}
