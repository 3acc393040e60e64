package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dnaeon/go-vcr/recorder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeromicro/go-zero/core/collection"
)

const preListing = `<html><head><title>Index of /database-europe/</title></head><body>
<h1>Index of /database-europe/</h1><hr><pre><a href="../">../</a>
<a href="db_backup_2026-01-29.tgz">db_backup_2026-01-29.tgz</a>        29-Jan-2026 01:02   567812004
<a href="db_backup_2026-01-30T12_30_00.tgz">db_backup_2026-01-30T12_30_00.tgz</a>   30-Jan-2026 12:40   569216651
<a href="market_history_2026_01.tgz">market_history_2026_01.tgz</a>      01-Jan-2026 02:14   1203344112
<a href="/abs/db_backup_2026-01-01.tgz">skip</a>   01-Jan-2026 02:14   1
<a href="db_backup_2026-01-31.tgz">db_backup_2026-01-31.tgz</a>        garbage
</pre><hr></body></html>`

const tableListing = `<html><body><table>
<tr><th>Name</th><th>Last modified</th><th>Size</th></tr>
<tr><td><a href="db_backup_2026-02-01.tgz">db_backup_2026-02-01.tgz</a></td><td>01-Feb-2026 01:05</td><td>570000000</td></tr>
</table></body></html>`

func newIndexServer(t *testing.T, status int, body string, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestListParsesPreformattedIndex(t *testing.T) {
	srv := newIndexServer(t, http.StatusOK, preListing, nil)
	now := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	client := NewClient(WithIndexURL(srv.URL+"/"), WithMaxRetries(0))
	client.nowFn = func() time.Time { return now }

	snaps, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 3)

	assert.Equal(t, "db_backup_2026-01-29.tgz", snaps[0].Name)
	assert.Equal(t, srv.URL+"/db_backup_2026-01-29.tgz", snaps[0].URL)
	assert.Equal(t, int64(567812004), snaps[0].SizeBytes)
	assert.Equal(t, time.Date(2026, 1, 29, 1, 2, 0, 0, time.UTC), snaps[0].ModifiedAt)
	assert.Equal(t, KindDaily, snaps[0].Kind)

	assert.Equal(t, int64(569216651), snaps[1].SizeBytes)

	assert.Equal(t, "db_backup_2026-01-31.tgz", snaps[2].Name)
	assert.Zero(t, snaps[2].SizeBytes)
	assert.Equal(t, now, snaps[2].ModifiedAt)
}

func TestListParsesTableIndex(t *testing.T) {
	srv := newIndexServer(t, http.StatusOK, tableListing, nil)
	client := NewClient(WithIndexURL(srv.URL), WithMaxRetries(0))

	snaps, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(570000000), snaps[0].SizeBytes)
	assert.Equal(t, time.Date(2026, 2, 1, 1, 5, 0, 0, time.UTC), snaps[0].ModifiedAt)
	assert.Equal(t, srv.URL+"/db_backup_2026-02-01.tgz", snaps[0].URL)
}

func TestListNon2xxIsError(t *testing.T) {
	srv := newIndexServer(t, http.StatusBadGateway, "bad gateway", nil)
	client := NewClient(WithIndexURL(srv.URL), WithMaxRetries(0))

	_, err := client.List(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnexpectedStatus))
}

func TestListUsesCache(t *testing.T) {
	var hits int32
	srv := newIndexServer(t, http.StatusOK, preListing, &hits)
	cache, err := collection.NewCache(time.Minute)
	require.NoError(t, err)
	client := NewClient(WithIndexURL(srv.URL), WithMaxRetries(0), WithCache(cache, "catalog:test"))

	first, err := client.List(context.Background())
	require.NoError(t, err)
	first[0].Name = "mutated"

	second, err := client.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.Equal(t, "db_backup_2026-01-29.tgz", second[0].Name)

	client.Invalidate()
	_, err = client.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestListRecordedIndex(t *testing.T) {
	r, err := recorder.NewAsMode("testdata/cassettes/aodp_index", recorder.ModeReplaying, nil)
	require.NoError(t, err)
	defer func() { _ = r.Stop() }()

	client := NewClient(WithHTTPClient(&http.Client{Transport: r}), WithMaxRetries(0))
	snaps, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	for _, s := range snaps {
		assert.True(t, strings.HasPrefix(s.Name, "db_backup_"))
		assert.Positive(t, s.SizeBytes)
	}

	picks := Recommend(snaps, map[string]bool{}, nil, 1)
	require.Len(t, picks, 1)
	assert.Equal(t, "db_backup_2026-01-30.tgz", picks[0].Name)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"db_backup_2026-01-30.tgz", true},
		{"DB_BACKUP_2026-01-30.tgz", true},
		{"market_history_2026_01.tgz", false},
		{"backup.tgz", false},
	}
	for _, tc := range cases {
		kind, ok := Classify(tc.name)
		assert.Equal(t, tc.ok, ok, tc.name)
		if ok {
			assert.Equal(t, KindDaily, kind)
		}
	}
}

func TestCoverageEnd(t *testing.T) {
	end, ok := CoverageEnd(Snapshot{Name: "db_backup_2026-01-30.tgz", Kind: KindDaily})
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 30, 23, 59, 59, 0, time.UTC), end)

	end, ok = CoverageEnd(Snapshot{Name: "db_backup_2026-01-30T12_30_05.tgz", Kind: KindDaily})
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 30, 12, 30, 5, 0, time.UTC), end)

	_, ok = CoverageEnd(Snapshot{Name: "db_backup_latest.tgz", Kind: KindDaily})
	assert.False(t, ok)
	_, ok = CoverageEnd(Snapshot{Name: "db_backup_2026-02-31.tgz", Kind: KindDaily})
	assert.False(t, ok)
	_, ok = CoverageEnd(Snapshot{Name: "db_backup_2026-01-30.tgz"})
	assert.False(t, ok)
}

func daily(name string, mtime time.Time) Snapshot {
	return Snapshot{Name: name, Kind: KindDaily, ModifiedAt: mtime}
}

func TestRecommendNewestCandidateOnEmptyStore(t *testing.T) {
	mtime := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	available := []Snapshot{
		daily("db_backup_2026-01-28.tgz", mtime),
		daily("db_backup_2026-01-30.tgz", mtime),
		daily("db_backup_2026-01-29.tgz", mtime),
		{Name: "market_history_2026_01.tgz", ModifiedAt: mtime},
	}

	picks := Recommend(available, nil, nil, 0)
	require.Len(t, picks, 1)
	assert.Equal(t, "db_backup_2026-01-30.tgz", picks[0].Name)

	picks = Recommend(available, map[string]bool{"db_backup_2026-01-30.tgz": true}, nil, 2)
	require.Len(t, picks, 2)
	assert.Equal(t, "db_backup_2026-01-29.tgz", picks[0].Name)
	assert.Equal(t, "db_backup_2026-01-28.tgz", picks[1].Name)
}

func TestRecommendIsCoverageMonotonic(t *testing.T) {
	mtime := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	available := []Snapshot{
		daily("db_backup_2026-01-28.tgz", mtime),
		daily("db_backup_2026-01-29.tgz", mtime),
		daily("db_backup_2026-01-30.tgz", mtime),
	}
	maxes := []time.Time{
		time.Date(2026, 1, 27, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 29, 23, 59, 59, 0, time.UTC),
		time.Date(2026, 1, 30, 23, 59, 59, 0, time.UTC),
		time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC),
	}
	for _, current := range maxes {
		current := current
		for _, s := range Recommend(available, nil, &current, 3) {
			end, ok := CoverageEnd(s)
			require.True(t, ok)
			assert.True(t, end.After(current), "%s does not extend %s", s.Name, current)
		}
	}

	current := time.Date(2026, 1, 29, 23, 59, 59, 0, time.UTC)
	picks := Recommend(available, nil, &current, 3)
	require.Len(t, picks, 1)
	assert.Equal(t, "db_backup_2026-01-30.tgz", picks[0].Name)
}

func TestRecommendUndatedAlwaysNewer(t *testing.T) {
	current := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	available := []Snapshot{
		daily("db_backup_2026-01-30.tgz", time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)),
		daily("db_backup_latest.tgz", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	picks := Recommend(available, nil, &current, 1)
	require.Len(t, picks, 1)
	assert.Equal(t, "db_backup_latest.tgz", picks[0].Name)
}

func TestFullyCovered(t *testing.T) {
	snap := daily("db_backup_2026-01-30.tgz", time.Time{})
	assert.True(t, FullyCovered(snap, "2026-01-30 23:59:59"))
	assert.True(t, FullyCovered(snap, "2026-02-01"))
	assert.False(t, FullyCovered(snap, "2026-01-30 23:59:58"))
	assert.False(t, FullyCovered(snap, ""))
	assert.False(t, FullyCovered(daily("db_backup_latest.tgz", time.Time{}), "2030-01-01 00:00:00"))
}
