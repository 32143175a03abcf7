package repository

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gowarp/models"
	"gowarp/storage"
)

func openStore(t *testing.T, path string) *storage.Store {
	t.Helper()
	store, err := storage.OpenPath(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-events:
		require.True(t, ok, "subscription closed")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for repository event")
		return Event{}
	}
}

func TestRemoteUpdatesReachSubscribers(t *testing.T) {
	repo, err := New(Options{})
	require.NoError(t, err)
	events, cancel := repo.Subscribe()
	defer cancel()

	repo.AddRemote(models.Remote{UUID: "DESK-1", Hostname: "desk", Address: net.ParseIP("10.0.0.2"), Port: 42000})
	event := nextEvent(t, events)
	require.Equal(t, EventRemoteUpdated, event.Kind)
	require.Equal(t, "desk", event.Remote.Hostname)

	repo.SetRemoteStatus("DESK-1", models.Connecting)
	require.Equal(t, models.Connecting, nextEvent(t, events).Remote.Status)

	// Repeating the same status is not an event.
	repo.SetRemoteStatus("DESK-1", models.Connecting)
	repo.UpdateRemote("DESK-1", func(r *models.Remote) { r.DisplayName = "Desk" })
	event = nextEvent(t, events)
	require.Equal(t, "Desk", event.Remote.DisplayName)
	require.Equal(t, models.Connecting, event.Remote.Status)

	repo.SetRemoteStatus("missing", models.Connected)
	repo.UpdateRemote("missing", func(r *models.Remote) { r.DisplayName = "x" })
	_, ok := repo.Remote("missing")
	require.False(t, ok)
}

func TestAddRemoteKeepsLiveState(t *testing.T) {
	repo, err := New(Options{})
	require.NoError(t, err)

	repo.AddRemote(models.Remote{UUID: "A", Hostname: "a"})
	repo.SetRemoteStatus("A", models.Connected)
	require.NoError(t, repo.SetFavorite("A", true))
	repo.UpdateRemote("A", func(r *models.Remote) { r.Picture = []byte{1, 2} })

	repo.AddRemote(models.Remote{UUID: "A", Hostname: "a2"})
	got, ok := repo.Remote("A")
	require.True(t, ok)
	require.Equal(t, "a2", got.Hostname)
	require.Equal(t, models.Connected, got.Status)
	require.True(t, got.Favorite)
	require.Equal(t, []byte{1, 2}, got.Picture)

	got.Picture[0] = 9
	again, _ := repo.Remote("A")
	require.Equal(t, byte(1), again.Picture[0])
}

func TestRemotesOrderFavoritesFirst(t *testing.T) {
	repo, err := New(Options{})
	require.NoError(t, err)
	repo.AddRemote(models.Remote{UUID: "1", DisplayName: "zulu"})
	repo.AddRemote(models.Remote{UUID: "2", DisplayName: "Alpha"})
	repo.AddRemote(models.Remote{UUID: "3", DisplayName: "mike"})
	require.NoError(t, repo.SetFavorite("1", true))
	require.ErrorIs(t, repo.SetFavorite("nope", true), ErrUnknownRemote)

	var names []string
	for _, remote := range repo.Remotes() {
		names = append(names, remote.DisplayName)
	}
	require.Equal(t, []string{"zulu", "Alpha", "mike"}, names)
}

func TestFavoritesAndRemotesSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warp.db")
	store := openStore(t, path)
	repo, err := New(Options{Store: store})
	require.NoError(t, err)

	repo.AddRemote(models.Remote{
		UUID:        "LAPTOP-9",
		Hostname:    "laptop",
		DisplayName: "Laptop",
		Address:     net.ParseIP("192.168.1.9"),
		Port:        42000,
		AuthPort:    42001,
		API:         2,
	})
	repo.SetRemoteStatus("LAPTOP-9", models.Connected)
	require.NoError(t, repo.SetFavorite("LAPTOP-9", true))
	require.NoError(t, store.Close())

	reopened, err := New(Options{Store: openStore(t, path)})
	require.NoError(t, err)
	got, ok := reopened.Remote("LAPTOP-9")
	require.True(t, ok)
	require.True(t, got.Favorite)
	require.Equal(t, "Laptop", got.DisplayName)
	require.Equal(t, models.Disconnected, got.Status)
	require.True(t, got.Address.Equal(net.ParseIP("192.168.1.9")))
	require.Equal(t, 2, got.API)
}

func TestTerminalTransfersArePersisted(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "warp.db"))
	repo, err := New(Options{Store: store})
	require.NoError(t, err)
	repo.AddRemote(models.Remote{UUID: "PEER-1", Hostname: "peer"})

	tr := models.Transfer{
		UID:        "uid-1",
		RemoteUUID: "PEER-1",
		Direction:  models.DirectionReceive,
		StartTime:  1700000000000,
		TotalSize:  10,
		FileCount:  2,
		Status:     models.Status(models.TransferTransferring),
	}
	repo.UpsertTransfer(tr)
	history, err := repo.History("PEER-1", 10)
	require.NoError(t, err)
	require.Empty(t, history)

	tr.BytesTransferred = 10
	tr.Status = models.FinishedWithErrors([]models.TransferError{
		models.NewTransferError(models.ErrSymlinksNotSupported, "link"),
	})
	repo.UpsertTransfer(tr)

	history, err = repo.History("PEER-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "finished_with_errors", history[0].Status)
	require.Equal(t, "symlinks_not_supported", history[0].ErrorKind)
	require.Equal(t, storage.DirectionReceive, history[0].Direction)

	repo.ClearTransfer(tr.Key())
	require.Empty(t, repo.Transfers("PEER-1"))
	history, err = repo.History("PEER-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestSecurityEventsComeFromStore(t *testing.T) {
	memory, err := New(Options{})
	require.NoError(t, err)
	events, err := memory.SecurityEvents("PEER-1", 10)
	require.NoError(t, err)
	require.Empty(t, events)

	store := openStore(t, filepath.Join(t.TempDir(), "warp.db"))
	require.NoError(t, store.LogSecurityEvent(storage.SecurityEvent{Type: "certificate_pinned", RemoteUUID: "PEER-1"}))
	repo, err := New(Options{Store: store})
	require.NoError(t, err)
	events, err = repo.SecurityEvents("PEER-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "certificate_pinned", events[0].Type)
}

func TestTransfersNewestFirst(t *testing.T) {
	repo, err := New(Options{})
	require.NoError(t, err)
	for _, ts := range []int64{10, 30, 20} {
		repo.UpsertTransfer(models.Transfer{UID: "u", RemoteUUID: "R", StartTime: ts})
	}
	repo.UpsertTransfer(models.Transfer{UID: "other", RemoteUUID: "S", StartTime: 99})

	var order []int64
	for _, tr := range repo.Transfers("R") {
		order = append(order, tr.StartTime)
	}
	require.Equal(t, []int64{30, 20, 10}, order)

	got, ok := repo.Transfer(models.TransferKey("S", 99))
	require.True(t, ok)
	require.Equal(t, "other", got.UID)
}

func TestRefreshingAndStatusMessages(t *testing.T) {
	repo, err := New(Options{})
	require.NoError(t, err)
	events, cancel := repo.Subscribe()
	defer cancel()

	repo.SetRefreshing(true)
	repo.SetRefreshing(true)
	repo.PostStatusMessage("Connected to desk")
	repo.SetRefreshing(false)

	event := nextEvent(t, events)
	require.Equal(t, EventRefreshing, event.Kind)
	require.True(t, event.Refreshing)
	event = nextEvent(t, events)
	require.Equal(t, EventStatusMessage, event.Kind)
	require.Equal(t, "Connected to desk", event.Message)
	event = nextEvent(t, events)
	require.Equal(t, EventRefreshing, event.Kind)
	require.False(t, event.Refreshing)
	require.False(t, repo.Refreshing())
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	repo, err := New(Options{SubscriberBuffer: 1})
	require.NoError(t, err)
	events, cancel := repo.Subscribe()

	for i := 0; i < 10; i++ {
		repo.PostStatusMessage("tick")
	}
	require.Len(t, events, 1)

	cancel()
	cancel()
	repo.Close()
	_, ok := <-events
	require.True(t, ok, "buffered event is still readable")
	_, ok = <-events
	require.False(t, ok)

	late, _ := repo.Subscribe()
	_, ok = <-late
	require.False(t, ok)
}
