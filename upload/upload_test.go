package upload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aprsgw/aprs"
	"aprsgw/stats"
	"aprsgw/telemetry"
)

var sw = Software{Name: "SondeHub APRS-IS Gateway", Version: "test"}

func balloonPacket(t *testing.T) *aprs.Packet {
	t.Helper()
	p, err := aprs.ParseAt("KF0GOR-12>CQ,WIDE2-1,qAR,SIMLA:!4003.46N/10421.62WO000/000/A=085295,StrTrk,84,9,1.46V,-14C,2127Pa,",
		time.Date(2023, 4, 13, 16, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return p
}

func decode(t *testing.T, v any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestTelemetryJSON(t *testing.T) {
	p := balloonPacket(t)
	dt := time.Date(2023, 4, 13, 15, 54, 54, 121763000, time.UTC)
	rx := dt.Add(27 * time.Microsecond)
	rec, err := NewTelemetry(p, sw, dt, rx, telemetry.Fields{"model": "StratoTrack", "frame": 84})
	require.NoError(t, err)

	m := decode(t, rec)
	assert.Equal(t, "SIMLA", m["uploader_callsign"])
	assert.Equal(t, "WIDE2-1,qAR,SIMLA", m["path"])
	assert.Equal(t, "KF0GOR-12", m["payload_callsign"])
	assert.Equal(t, "2023-04-13T15:54:54.121763Z", m["datetime"])
	assert.Equal(t, "2023-04-13T15:54:54.121790Z", m["time_received"])
	assert.Equal(t, "CQ", m["aprs_tocall"])
	assert.Equal(t, "APRS", m["modulation"])
	assert.Equal(t, "StratoTrack", m["model"])
	assert.Equal(t, float64(84), m["frame"])
	assert.Equal(t, ",StrTrk,84,9,1.46V,-14C,2127Pa,", m["comment"])
	assert.InDelta(t, 25997.916, m["alt"].(float64), 1e-3)
	assert.Equal(t, sw.Name, m["software_name"])
}

func TestTelemetryRecordErrors(t *testing.T) {
	p := balloonPacket(t)
	p.Altitude = nil
	_, err := NewTelemetry(p, sw, time.Now(), time.Now(), nil)
	assert.ErrorIs(t, err, ErrMissingAltitude)

	p = balloonPacket(t)
	p.Path = nil
	_, err = NewTelemetry(p, sw, time.Now(), time.Now(), nil)
	assert.ErrorIs(t, err, ErrMissingPath)
}

func TestTelemetryNullComment(t *testing.T) {
	p := balloonPacket(t)
	p.Comment = nil
	rec, err := NewTelemetry(p, sw, time.Now(), time.Now(), nil)
	require.NoError(t, err)
	m := decode(t, rec)
	v, ok := m["comment"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestListenerJSON(t *testing.T) {
	fixed := decode(t, NewFixedListener(sw, "VK5ARG", -34.9, 138.6, 45, nil))
	assert.Equal(t, []any{-34.9, 138.6, float64(45)}, fixed["uploader_position"])
	assert.Equal(t, false, fixed["mobile"])
	_, hasRadio := fixed["uploader_radio"]
	assert.False(t, hasRadio)
	_, hasRaw := fixed["raw"]
	assert.False(t, hasRaw)

	p := balloonPacket(t)
	p.Comment = nil
	p.Altitude = nil
	chase, err := NewChaseListener(p, sw)
	require.NoError(t, err)
	m := decode(t, chase)
	assert.Equal(t, true, m["mobile"])
	assert.Equal(t, "KF0GOR-12", m["uploader_callsign"])
	assert.Equal(t, p.Raw, m["raw"])
	assert.Equal(t, "CQ", m["aprs_tocall"])
	radio, hasRadio := m["uploader_radio"]
	assert.True(t, hasRadio)
	assert.Nil(t, radio)
	assert.Equal(t, []any{p.Latitude, p.Longitude, float64(0)}, m["uploader_position"])
}

func TestListenerClientPUT(t *testing.T) {
	var gotMethod, gotType string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewListenerClient(srv.URL, time.Second)
	err := c.UploadListener(context.Background(), NewFixedListener(sw, "VK5ARG", 1, 2, 3, nil))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "application/json; charset=utf-8", gotType)
	assert.Equal(t, "VK5ARG", gotBody["uploader_callsign"])
}

func TestListenerClientErrorIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad listener", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewListenerClient(srv.URL, time.Second).UploadListener(context.Background(), NewFixedListener(sw, "X", 0, 0, 0, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "bad listener")
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMQTT struct {
	mqtt.Client
	mu       sync.Mutex
	topic    string
	qos      byte
	payloads [][]byte
	err      error
}

func (f *fakeMQTT) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topic, f.qos = topic, qos
	f.payloads = append(f.payloads, payload.([]byte))
	return newFakeToken(f.err)
}

func TestMQTTPublisher(t *testing.T) {
	fake := &fakeMQTT{}
	pub := newMQTTPublisher(fake, "amateur/telemetry", time.Second)
	rec, err := NewTelemetry(balloonPacket(t), sw, time.Now(), time.Now(), nil)
	require.NoError(t, err)

	require.NoError(t, pub.PublishTelemetry(context.Background(), rec))
	assert.Equal(t, "amateur/telemetry", fake.topic)
	assert.Equal(t, byte(0), fake.qos)
	require.Len(t, fake.payloads, 1)
	assert.Contains(t, string(fake.payloads[0]), `"payload_callsign":"KF0GOR-12"`)

	fake.err = errors.New("not connected")
	assert.Error(t, pub.PublishTelemetry(context.Background(), rec))
}

type recordingSink struct {
	mu        sync.Mutex
	telemetry []Telemetry
	listeners []Listener
	err       error
}

func (s *recordingSink) PublishTelemetry(_ context.Context, t Telemetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.telemetry = append(s.telemetry, t)
	return s.err
}

func (s *recordingSink) UploadListener(_ context.Context, l Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
	return s.err
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.telemetry), len(s.listeners)
}

func TestDispatcherDropsWhenFullWithoutBlocking(t *testing.T) {
	tracker := stats.NewTracker()
	sink := &recordingSink{}
	d := NewDispatcher(DispatcherConfig{QueueSize: 1}, sink, sink, nil, tracker)
	// Not started: the queue holds one record and the rest are dropped.
	for i := 0; i < 3; i++ {
		d.PublishTelemetry(Telemetry{PayloadCallsign: "X"})
	}
	assert.Equal(t, 1, d.Pending())
	assert.Equal(t, uint64(2), tracker.Delivery(stats.QueueDropped))
	d.SendMessage("ignored, no sender")
	assert.Equal(t, 1, d.Pending())
}

func TestDispatcherDelivers(t *testing.T) {
	tracker := stats.NewTracker()
	sink := &recordingSink{}
	d := NewDispatcher(DispatcherConfig{QueueSize: 8, Workers: 1}, sink, sink, nil, tracker)
	d.Start()
	defer d.Stop()

	d.PublishTelemetry(Telemetry{PayloadCallsign: "X"})
	d.UploadListener(Listener{UploaderCallsign: "Y"})
	assert.Eventually(t, func() bool {
		tel, lis := sink.counts()
		return tel == 1 && lis == 1
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return tracker.Delivery(stats.TelemetryPublished) == 1 && tracker.Delivery(stats.ListenerUploaded) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcherCountsFailures(t *testing.T) {
	tracker := stats.NewTracker()
	sink := &recordingSink{err: errors.New("broker down")}
	d := NewDispatcher(DispatcherConfig{Workers: 1}, sink, nil, nil, tracker)
	d.Start()
	defer d.Stop()

	d.PublishTelemetry(Telemetry{})
	assert.Eventually(t, func() bool {
		return tracker.Delivery(stats.TelemetryFailed) == 1
	}, time.Second, 5*time.Millisecond)
}
