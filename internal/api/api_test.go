package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"push-server/internal/dispatch"
	"push-server/internal/model"
	"push-server/internal/push"
	"push-server/internal/pushdb"
	"push-server/internal/store/sqlite"
)

const testSecret = "JBSWY3DPEHPK3PXP"

type queueSpy struct{ msgs []push.QueueMessage }

func (q *queueSpy) Publish(_ context.Context, payload []byte, _ model.PublishOptions) error {
	m, err := push.DecodeQueueMessage(payload)
	if err != nil {
		return err
	}
	q.msgs = append(q.msgs, m)
	return nil
}

type fixture struct {
	srv   *httptest.Server
	db    *pushdb.DB
	queue *queueSpy
	hub   *FeedHub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sqlDB, err := sqlite.Open(filepath.Join(t.TempDir(), "push.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	db := pushdb.New(sqlDB)

	ctx := context.Background()
	require.NoError(t, db.APIKeys.Put(ctx, model.APIKey{APIKey: "app-key", AppID: "app"}))
	require.NoError(t, db.APIKeys.Put(ctx, model.APIKey{APIKey: "admin-key", AppID: "app", Admin: true}))

	queue := &queueSpy{}
	hub := NewFeedHub(nil, nil)
	s := &Server{
		DB:              db,
		Dispatcher:      &dispatch.Dispatcher{Devices: db.Devices, Queue: queue},
		Feed:            hub,
		AdminTOTPSecret: testSecret,
	}
	srv := httptest.NewServer(s.NewRouter())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, db: db, queue: queue, hub: hub}
}

func (f *fixture) do(t *testing.T, method, path, key string, body any, header ...string) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set(apiKeyHeader, key)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func otpNow(t *testing.T) string {
	t.Helper()
	code, err := totp.GenerateCode(testSecret, time.Now())
	require.NoError(t, err)
	return code
}

func TestAuth_MissingAndInvalidKeys(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v2/device", "", map[string]string{"deviceId": "d1"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v2/device", "nope", map[string]string{"deviceId": "d1"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v9/unknown", "app-key", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDevice_RegisterAndAdjust(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v2/device", "app-key", map[string]any{
		"deviceId": "d1", "deviceToken": "ExponentPushToken[abc]",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	device := body["device"].(map[string]any)
	require.Equal(t, "app", device["appId"])
	require.Equal(t, "app-key", device["apiKey"])

	create := map[string]any{
		"deviceId": "d1",
		"createEvents": []any{map[string]any{
			"eventId": "e1",
			"trigger": map[string]any{"type": "price-level", "currencyPair": "BTC-USD", "aboveRate": 50000},
			"pushMessage": map[string]any{"title": "BTC", "body": "above"},
		}},
	}
	resp, body = f.do(t, http.MethodPost, "/v2/device/update", "app-key", create)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["events"], 1)

	resp, body = f.do(t, http.MethodPost, "/v2/device/update", "app-key", map[string]any{
		"deviceId": "d1", "removeEvents": []string{"missing"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["events"], 1)

	resp, body = f.do(t, http.MethodPost, "/v2/device/update", "app-key", map[string]any{
		"deviceId": "d1", "removeEvents": []string{"e1"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, body["events"])
}

func TestDevice_RejectsBadInput(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v2/device", "app-key", "{not json")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v2/device/update", "app-key", map[string]any{"deviceId": "ghost"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v2/device", "app-key", map[string]any{"deviceId": "d1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/v2/device/update", "app-key", map[string]any{
		"deviceId":     "d1",
		"createEvents": []any{map[string]any{"eventId": "e1", "trigger": map[string]any{"type": "price-level"}}},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["error"], "createEvents[0]")
}

func TestLogin_Events(t *testing.T) {
	f := newFixture(t)
	raw := make([]byte, model.LoginIDLen)
	raw[0] = 0xfb
	login := base64.StdEncoding.EncodeToString(raw)

	resp, body := f.do(t, http.MethodPost, "/v2/login/update", "app-key", map[string]any{
		"loginId": login,
		"createEvents": []any{map[string]any{
			"eventId": "tx",
			"trigger": map[string]any{"type": "tx-confirm", "pluginId": "ethereum", "txid": "0x1", "confirmations": 2},
		}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["events"], 1)

	resp, body = f.do(t, http.MethodPost, "/v2/login", "app-key", map[string]string{"loginId": login})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["events"], 1)

	resp, _ = f.do(t, http.MethodPost, "/v2/login", "app-key", map[string]string{"loginId": "short"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	urlSafe := base64.RawURLEncoding.EncodeToString(raw)
	resp, body = f.do(t, http.MethodGet, "/v1/admin/logins/"+urlSafe+"/events", "admin-key", nil, otpHeader, otpNow(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["events"], 1)
}

func TestAdmin_RequiresAdminKeyAndCode(t *testing.T) {
	f := newFixture(t)
	_, err := f.db.Devices.Update(context.Background(), "d1", func(d *model.Device) error {
		d.AppID, d.APIKey, d.DeviceToken = "app", "app-key", "tok"
		return nil
	})
	require.NoError(t, err)

	resp, _ := f.do(t, http.MethodGet, "/v1/admin/devices/d1", "app-key", nil, otpHeader, otpNow(t))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/admin/devices/d1", "admin-key", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/admin/devices/d1", "admin-key", nil, otpHeader, "000000x")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/v1/admin/devices/d1", "admin-key", nil, otpHeader, otpNow(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "tok", body["deviceToken"])

	resp, _ = f.do(t, http.MethodGet, "/v1/admin/devices/ghost", "admin-key", nil, otpHeader, otpNow(t))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/admin/events/2024-01-01T00:00:00.000Z", "admin-key", nil, otpHeader, otpNow(t))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMarketing_QueuesForApp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := f.db.Devices.Update(ctx, id, func(d *model.Device) error {
			d.AppID, d.APIKey, d.DeviceToken = "app", "app-key", "tok-"+id
			d.IgnoreMarketing = id == "b"
			return nil
		})
		require.NoError(t, err)
	}

	resp, body := f.do(t, http.MethodPost, "/v1/notification/send", "admin-key",
		map[string]string{"title": "Sale", "body": "50% off"}, otpHeader, otpNow(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, body["queued"])
	require.Len(t, f.queue.msgs, 1)
	require.Equal(t, "tok-a", f.queue.msgs[0].Token)
}

func TestFeed_ReplaysBufferedNotices(t *testing.T) {
	f := newFixture(t)
	f.hub.Broadcast([]byte(`{"eventKey":"k1"}`))
	f.hub.Broadcast([]byte(`{"eventKey":"k2"}`))

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/admin/feed?after_seq=1"
	header := http.Header{}
	header.Set(apiKeyHeader, "admin-key")
	header.Set(otpHeader, otpNow(t))
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"seq":2,"notice":{"eventKey":"k2"}}`, string(msg))
}

func TestFeedHub_AttachDuringBroadcastsKeepsOrder(t *testing.T) {
	hub := NewFeedHub(nil, nil)
	for i := 0; i < 50; i++ {
		hub.Broadcast([]byte(`{}`))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 150; i++ {
			hub.Broadcast([]byte(`{}`))
		}
	}()
	c := &feedClient{send: make(chan []byte, 256), hub: hub}
	hub.attach(c, 10)
	wg.Wait()

	var seqs []int64
	for len(c.send) > 0 {
		var env struct {
			Seq int64 `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(<-c.send, &env))
		seqs = append(seqs, env.Seq)
	}
	require.Len(t, seqs, 190)
	for i, seq := range seqs {
		require.EqualValues(t, 11+i, seq)
	}
}

func TestReplayBuffer_Wraparound(t *testing.T) {
	rb := NewReplayBuffer(3)
	for i := int64(1); i <= 5; i++ {
		rb.Push(i, []byte{byte('0' + i)})
	}
	require.Equal(t, 3, rb.Len())
	require.Equal(t, [][]byte{[]byte("4"), []byte("5")}, rb.After(3))
}
