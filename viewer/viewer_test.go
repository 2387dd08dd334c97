package viewer

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/brensch/dqn2048/executor/agent"
	"github.com/brensch/dqn2048/executor/convert"
	"github.com/brensch/dqn2048/executor/qnet"
	"github.com/brensch/dqn2048/executor/selfplay"
	"github.com/brensch/dqn2048/game"
	"github.com/brensch/dqn2048/store"
)

type fixedPredictor []float64

func (f fixedPredictor) Predict(game.Grid) ([]float64, error) { return f, nil }

func writeArchive(t *testing.T, root string) {
	t.Helper()
	var rows []store.EpisodeRow
	for i := 1; i <= 6; i++ {
		rows = append(rows, store.EpisodeRow{
			RunID:        "alpha",
			Episode:      int32(i),
			GridSize:     4,
			Score:        int64(10 * i),
			TileScore:    int64(100 * i),
			Turns:        int32(20 * i),
			InvalidRatio: 0.5,
			MaxTile:      int32(16 << (i % 2)),
			Trained:      i > 2,
			MeanLoss:     float32(i),
			EndedAtMs:    int64(1000 + i),
			FinalCells:   []int32{2, 4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 8},
			Source:       "train",
		})
	}
	rows = append(rows, store.EpisodeRow{RunID: "beta", Episode: 1, GridSize: 4, TileScore: 5000, MaxTile: 512, EndedAtMs: 9999, FinalCells: make([]int32, 16)})
	_, err := store.WriteEpisodes(root, rows)
	require.NoError(t, err)
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestServer_ArchiveQueries(t *testing.T) {
	root := t.TempDir()
	writeArchive(t, root)

	s := NewServer(Options{Roots: []string{root}})
	defer s.Close()
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	var runs []RunSummary
	getJSON(t, ts.URL+"/api/runs", &runs)
	require.Len(t, runs, 2)
	require.Equal(t, "beta", runs[0].RunID)
	require.Equal(t, RunSummary{RunID: "alpha", Episodes: 6, LastEpisode: 6, BestScore: 600, BestTile: 32, LastEndedMs: 1006}, runs[1])

	var eps EpisodesResponse
	getJSON(t, ts.URL+"/api/episodes?run_id=alpha&sort=score&limit=2", &eps)
	require.Equal(t, int64(6), eps.Total)
	require.Len(t, eps.Episodes, 2)
	require.Equal(t, int64(6), eps.Episodes[0].Episode)
	require.Equal(t, int64(5), eps.Episodes[1].Episode)
	require.Equal(t, []int32{2, 4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 8}, eps.Episodes[0].FinalCells)

	var stats StatsResponse
	getJSON(t, ts.URL+"/api/stats?run_id=alpha&bucket=3", &stats)
	require.Equal(t, int64(3), stats.BucketSize)
	require.Len(t, stats.Points, 2)
	require.Equal(t, int64(1), stats.Points[0].FirstEpisode)
	require.Equal(t, int64(3), stats.Points[0].Episodes)
	require.InDelta(t, 200.0, stats.Points[0].MeanTileScore, 1e-9)
	// Only episode 3 trained in the first bucket.
	require.InDelta(t, 3.0, stats.Points[0].MeanLoss, 1e-6)
	require.Equal(t, int64(4), stats.Points[1].FirstEpisode)
	require.InDelta(t, 500.0, stats.Points[1].MeanTileScore, 1e-9)

	var tiles []TileCount
	getJSON(t, ts.URL+"/api/tiles?run_id=alpha", &tiles)
	require.Equal(t, []TileCount{{Tile: 16, Episodes: 3}, {Tile: 32, Episodes: 3}}, tiles)
}

func TestServer_EmptyArchive(t *testing.T) {
	s := NewServer(Options{Roots: []string{t.TempDir()}})
	defer s.Close()
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	var runs []RunSummary
	getJSON(t, ts.URL+"/api/runs", &runs)
	require.Empty(t, runs)

	var eps EpisodesResponse
	getJSON(t, ts.URL+"/api/episodes", &eps)
	require.Zero(t, eps.Total)
}

func TestServer_Act(t *testing.T) {
	// Left scores highest but is invalid for this grid.
	s := NewServer(Options{Predictor: fixedPredictor{9, 1, 5, 3}})
	defer s.Close()
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	body := `{"grid": [[2,0,0,0],[4,0,0,0],[8,0,0,0],[16,0,0,0]]}`
	resp, err := http.Post(ts.URL+"/api/act", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var act ActResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&act))
	require.Equal(t, "right", strings.ToLower(act.Direction))
	require.Equal(t, int(game.Right), act.Action)
	require.Equal(t, []float64{9, 1, 5, 3}, act.QValues)
	require.Len(t, act.Valid, 1)
	require.False(t, act.Terminal)

	resp2, err := http.Post(ts.URL+"/api/act", "application/json", bytes.NewBufferString(`{"grid": [[3,0],[0,0]]}`))
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)

	resp3, err := http.Get(ts.URL + "/api/act")
	require.NoError(t, err)
	resp3.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp3.StatusCode)
}

func TestServer_ActWithoutModel(t *testing.T) {
	s := NewServer(Options{})
	defer s.Close()
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/act", "application/json", strings.NewReader(`{"grid": [[2,0],[0,0]]}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

type failingPredictor struct{}

func (failingPredictor) Predict(game.Grid) ([]float64, error) { return nil, errors.New("session lost") }

func TestServer_ActModelErrors(t *testing.T) {
	net, err := qnet.New(4, convert.Raw, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	post := func(p agent.Predictor, body string) int {
		s := NewServer(Options{Predictor: p})
		defer s.Close()
		ts := httptest.NewServer(s.Handler())
		defer ts.Close()
		resp, err := http.Post(ts.URL+"/api/act", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	small := `{"grid": [[2,0,0],[0,4,0],[0,0,0]]}`
	require.Equal(t, http.StatusBadRequest, post(net, small))
	require.Equal(t, http.StatusOK, post(net, `{"grid": [[2,0,0,0],[0,4,0,0],[0,0,0,0],[0,0,0,0]]}`))
	require.Equal(t, http.StatusInternalServerError, post(failingPredictor{}, small))
}

func TestHub_LiveFeed(t *testing.T) {
	s := NewServer(Options{})
	defer s.Close()
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	first := selfplay.Snapshot{Status: selfplay.StatusEpisodeComplete, Episode: 1, BestTile: 8}
	require.NoError(t, s.Publish(first))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() LiveEvent {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev LiveEvent
		require.NoError(t, json.Unmarshal(msg, &ev))
		return ev
	}

	// The latest event is replayed on connect.
	ev := read()
	require.Equal(t, 1, ev.Episode)
	require.Equal(t, 8, ev.BestTile)

	require.Eventually(t, func() bool { return s.Hub().Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	g := game.MustFromRows([][]int{{2, 4}, {8, 16}})
	second := selfplay.Snapshot{
		Status:  selfplay.StatusEpisodeComplete,
		Episode: 2,
		Stats:   selfplay.EpisodeStats{Episode: 2, TileScore: 30, MaxTile: 16, FinalGrid: g},
	}
	require.NoError(t, s.Publish(second))
	ev = read()
	require.Equal(t, 2, ev.Episode)
	require.Equal(t, 30, ev.TileScore)
	require.Equal(t, [][]int{{2, 4}, {8, 16}}, ev.Grid)
}

func TestParseRoots(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, ParseRoots(" a, ,b,a "))
	require.Empty(t, ParseRoots(""))
}
