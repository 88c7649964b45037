package mempoolarchive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hamba/avro/v2/ocf"
	"github.com/stretchr/testify/require"

	"github.com/bitcoinwatch/bmon/internal/model"
)

type fakeShipper struct {
	shipped []string
	err     error
}

func (f *fakeShipper) Ship(path string) error {
	if f.err != nil {
		return f.err
	}
	f.shipped = append(f.shipped, path)
	return nil
}

func readAllRecords(t *testing.T, path string) []record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	dec, err := ocf.NewDecoder(f)
	require.NoError(t, err)

	var out []record
	for dec.HasNext() {
		var r record
		require.NoError(t, dec.Decode(&r))
		out = append(out, r)
	}
	require.NoError(t, dec.Error())
	return out
}

func TestAppendAndRollRoundTrips(t *testing.T) {
	dir := t.TempDir()
	shipper := &fakeShipper{}
	w, err := New(dir, shipper, nil)
	require.NoError(t, err)

	at := time.Date(2022, 10, 17, 17, 57, 43, 0, time.UTC)
	require.NoError(t, w.Append("host-a", at, model.MempoolAccept{
		TxHash:       "fa4f08dfe610593b505ca5cd8b2ba061ea15a4c480a63dd75b00e2eaddf9b42b",
		PeerNum:      11,
		PoolSizeTxns: 11848,
		PoolSizeKB:   25560,
	}))

	rollAt := at.Add(2 * time.Hour)
	require.NoError(t, w.Roll(rollAt))

	require.Len(t, shipper.shipped, 1)
	shippedPath := filepath.Join(dir, "shipped."+rollAt.UTC().Format(time.RFC3339)+".avro")
	require.FileExists(t, shippedPath)

	records := readAllRecords(t, shippedPath)
	require.Len(t, records, 1)
	require.Equal(t, "mempool_accept", records[0].EventType)
	require.Equal(t, "host-a", records[0].Host)
	require.Equal(t, "fa4f08dfe610593b505ca5cd8b2ba061ea15a4c480a63dd75b00e2eaddf9b42b", records[0].TxHash)
	require.NotNil(t, records[0].PeerNum)
	require.EqualValues(t, 11, *records[0].PeerNum)
	require.NotNil(t, records[0].PoolSizeKB)
	require.EqualValues(t, 25560, *records[0].PoolSizeKB)

	require.NoError(t, w.Close())
}

func TestRollOpensFreshCurrentFile(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, &fakeShipper{}, nil)
	require.NoError(t, err)

	require.NoError(t, w.Roll(time.Now()))
	require.FileExists(t, w.currentPath())
	require.NoError(t, w.Append("host-a", time.Now(), model.MempoolAccept{TxHash: "abc"}))
	require.NoError(t, w.Close())
}

func TestRollSurvivesShipFailure(t *testing.T) {
	dir := t.TempDir()
	shipper := &fakeShipper{err: errShip}
	w, err := New(dir, shipper, nil)
	require.NoError(t, err)

	require.NoError(t, w.Append("host-a", time.Now(), model.MempoolAccept{TxHash: "abc"}))
	err = w.Roll(time.Now())
	require.Error(t, err, "a failed ship must surface as an error without losing the rolled file")
}

type shipErr string

func (e shipErr) Error() string { return string(e) }

var errShip = shipErr("ship failed")
