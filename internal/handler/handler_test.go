package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"examhub/internal/auth"
	"examhub/internal/blob"
	"examhub/internal/cache"
	"examhub/internal/config"
	"examhub/internal/database"
	"examhub/internal/forum"
	"examhub/internal/hub"
	"examhub/internal/model"
	"examhub/internal/order"
	"examhub/internal/presence"
	"examhub/internal/token"
)

func TestMain(m *testing.M) {
	// プロジェクトルートの.envを読み込み
	_ = godotenv.Load("../../.env")
	os.Exit(m.Run())
}

const testSecret = "test-secret"

var (
	alice = model.Identity{UserID: "1", Username: "alice", ForumAccess: true}
	bob   = model.Identity{UserID: "2", Username: "bob", ForumAccess: true}
	staff = model.Identity{UserID: "9", Username: "staff", IsStaff: true}
	guest = model.Identity{UserID: "5", Username: "guest"}
)

type testEnv struct {
	h        *Handler
	router   http.Handler
	verifier *auth.Verifier
	tokens   *token.Service
	items    *order.MemoryItems
}

// newTestHandler テスト用のHandlerを生成（メモリストア）
func newTestHandler(t *testing.T) *testEnv {
	t.Helper()
	return newTestHandlerWith(t, forum.NewMemoryStore())
}

func newTestHandlerWith(t *testing.T, store forum.Store) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := config.Defaults()
	cfg.AllowedOrigins = []string{"http://localhost:8080", "http://127.0.0.1:8080"}
	cfg.JWTSecret = testSecret

	clock := clockwork.NewRealClock()
	c := cache.NewMemory(clock, 1024, time.Hour)
	h := hub.New(hub.Options{Dedup: c})
	go h.Run(ctx)

	svc := forum.NewService(forum.Options{
		Store:     store,
		Blobs:     blob.NewStore(t.TempDir(), clock, time.Second, int64(cfg.MaxUploadMB)<<20),
		Publisher: h,
		Clock:     clock,
	})

	packDir := t.TempDir()
	os.MkdirAll(filepath.Join(packDir, "packs"), 0o755)
	os.WriteFile(filepath.Join(packDir, "packs", "math.zip"), []byte("PK-pack-bytes"), 0o644)

	items := order.NewMemoryItems(model.LineItem{ID: "item-1", OrderID: "order-1", OwnerID: alice.UserID, PackTitle: "Math", PackFile: "packs/math.zip"})
	tokens := token.NewService(token.NewMemoryStore(), clock)
	verifier := auth.NewVerifier(testSecret, cfg.JWTIssuer)

	handler := New(cfg, Deps{
		Auth:        verifier,
		Hub:         h,
		Forum:       svc,
		Presence:    presence.New(presence.Options{Cache: c, Publisher: h, Seen: svc, Clock: clock}),
		Tokens:      tokens,
		Items:       items,
		Orders:      order.NewConfirmer(items, tokens, h, clock, 48*time.Hour, 3),
		Packs:       blob.NewStore(packDir, clock, time.Second, 0),
		Clock:       clock,
		BaseContext: ctx,
	})
	return &testEnv{h: handler, router: handler.SetupRouter(), verifier: verifier, tokens: tokens, items: items}
}

func (e *testEnv) bearer(t *testing.T, id model.Identity) string {
	t.Helper()
	tok, err := e.verifier.Issue(id, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, id *model.Identity, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if id != nil {
		req.Header.Set("Authorization", "Bearer "+e.bearer(t, *id))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) postJSON(t *testing.T, id model.Identity, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(payload)
	return e.do(t, &id, "POST", path, bytes.NewReader(body), "application/json")
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response %q: %v", w.Body.String(), err)
	}
	return resp
}

// TestHealth ヘルスチェック
func TestHealth(t *testing.T) {
	e := newTestHandler(t)
	w := e.do(t, nil, "GET", "/health", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if decode(t, w)["ok"] != true {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

// TestUnauthorized トークンなしは401
func TestUnauthorized(t *testing.T) {
	e := newTestHandler(t)
	for _, path := range []string{"/forum/messages", "/download/abc"} {
		w := e.do(t, nil, "GET", path, nil, "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: Expected status %d, got %d", path, http.StatusUnauthorized, w.Code)
		}
	}
}

// TestCreateMessage_Success メッセージ作成成功テスト
func TestCreateMessage_Success(t *testing.T) {
	e := newTestHandler(t)

	w := e.postJSON(t, alice, "/forum/messages", map[string]string{"content": "Hello, World!"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Expected Content-Type: application/json, got %s", w.Header().Get("Content-Type"))
	}
	resp := decode(t, w)
	if resp["message_id"] == "" || resp["created"] != float64(1) {
		t.Errorf("unexpected response %v", resp)
	}
	msg := resp["message"].(map[string]any)
	if msg["content"] != "Hello, World!" {
		t.Errorf("Expected content 'Hello, World!', got %v", msg["content"])
	}
}

// TestCreateMessage_MissingContent 空メッセージは400
func TestCreateMessage_MissingContent(t *testing.T) {
	e := newTestHandler(t)
	w := e.postJSON(t, alice, "/forum/messages", map[string]string{"content": ""})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if resp := decode(t, w); resp["error"] != "message cannot be empty" || resp["ok"] != false {
		t.Errorf("unexpected error response %v", resp)
	}
}

// TestCreateMessage_InvalidJSON JSON パース失敗
func TestCreateMessage_InvalidJSON(t *testing.T) {
	e := newTestHandler(t)
	w := e.do(t, &alice, "POST", "/forum/messages", strings.NewReader("invalid json"), "application/json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if resp := decode(t, w); resp["error"] != "Invalid request body" {
		t.Errorf("Expected 'Invalid request body' error, got %v", resp["error"])
	}
}

// TestCreateMessage_OversizedBody 1MB超は400
func TestCreateMessage_OversizedBody(t *testing.T) {
	e := newTestHandler(t)
	big := `{"content":"` + strings.Repeat("a", maxJSONBody+1) + `"}`
	w := e.do(t, &alice, "POST", "/forum/messages", strings.NewReader(big), "application/json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

// TestCreateMessage_NoForumAccess 未購入ユーザーは403
func TestCreateMessage_NoForumAccess(t *testing.T) {
	e := newTestHandler(t)
	w := e.postJSON(t, guest, "/forum/messages", map[string]string{"content": "hi"})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status %d, got %d", http.StatusForbidden, w.Code)
	}
}

// TestGetMessages ページング
func TestGetMessages(t *testing.T) {
	e := newTestHandler(t)
	for i := 0; i < 5; i++ {
		e.postJSON(t, alice, "/forum/messages", map[string]string{"content": "msg"})
	}

	w := e.do(t, &bob, "GET", "/forum/messages?limit=3", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	resp := decode(t, w)
	msgs := resp["messages"].([]any)
	if len(msgs) != 3 || resp["has_more"] != true {
		t.Fatalf("Expected 3 messages with more, got %d %v", len(msgs), resp["has_more"])
	}

	last := msgs[2].(map[string]any)["id"].(string)
	w = e.do(t, &bob, "GET", "/forum/messages?limit=3&before_id="+last, nil, "")
	resp = decode(t, w)
	if n := len(resp["messages"].([]any)); n != 2 || resp["has_more"] != false {
		t.Errorf("Expected 2 remaining messages, got %d %v", n, resp["has_more"])
	}
}

// TestGetMessages_Empty 空でも配列を返す
func TestGetMessages_Empty(t *testing.T) {
	e := newTestHandler(t)
	w := e.do(t, &alice, "GET", "/forum/messages", nil, "")
	if !strings.Contains(w.Body.String(), `"messages":[]`) {
		t.Errorf("Expected empty array, got %s", w.Body.String())
	}
}

// TestEditAndDeleteMessage 編集と削除
func TestEditAndDeleteMessage(t *testing.T) {
	e := newTestHandler(t)
	id := decode(t, e.postJSON(t, alice, "/forum/messages", map[string]string{"content": "before"}))["message_id"].(string)

	w := e.postJSON(t, bob, "/forum/messages/"+id+"/edit", map[string]string{"content": "hijack"})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status %d, got %d", http.StatusForbidden, w.Code)
	}
	w = e.postJSON(t, alice, "/forum/messages/"+id+"/edit", map[string]string{"content": "after"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if msg := decode(t, w)["message"].(map[string]any); msg["content"] != "after" || msg["edited"] != true {
		t.Errorf("unexpected edit result %v", msg)
	}

	w = e.do(t, &bob, "POST", "/forum/messages/"+id+"/delete", nil, "")
	resp := decode(t, w)
	if w.Code != http.StatusOK || resp["deleted_for_all"] != false {
		t.Errorf("participant delete should hide only: %d %v", w.Code, resp)
	}

	w = e.do(t, &alice, "POST", "/forum/messages/"+id+"/delete", nil, "")
	resp = decode(t, w)
	if resp["deleted"] != true || resp["deleted_for_all"] != true || resp["message_id"] != id {
		t.Errorf("author delete should reach everyone: %v", resp)
	}

	w = e.do(t, &alice, "POST", "/forum/messages/"+id+"/delete", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d for deleted message, got %d", http.StatusNotFound, w.Code)
	}
}

func (e *testEnv) upload(t *testing.T, id model.Identity, name string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("note", "ignored")
	fw, _ := mw.CreateFormFile("file", name)
	fw.Write(data)
	mw.Close()
	return e.do(t, &id, "POST", "/forum/attachments", &buf, mw.FormDataContentType())
}

// TestAttachments アップロード・配信・ZIP
func TestAttachments(t *testing.T) {
	e := newTestHandler(t)

	w := e.upload(t, alice, "photo.png", []byte("png-data"))
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	att := decode(t, w)["attachment"].(map[string]any)
	attID := att["id"].(string)
	if att["kind"] != "image" || att["url"] != "/forum/attachments/"+attID {
		t.Errorf("unexpected attachment %v", att)
	}

	if w := e.upload(t, alice, "virus.exe", []byte("MZ")); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for unsupported type, got %d", http.StatusBadRequest, w.Code)
	}

	// 投稿前は本人のみ
	if w := e.do(t, &bob, "GET", "/forum/attachments/"+attID, nil, ""); w.Code != http.StatusForbidden {
		t.Errorf("Expected status %d for pending upload, got %d", http.StatusForbidden, w.Code)
	}

	resp := decode(t, e.postJSON(t, alice, "/forum/messages", map[string]any{"content": "pic", "attachment_ids": []string{attID}}))
	msgID := resp["message_id"].(string)

	w = e.do(t, &bob, "GET", "/forum/attachments/"+attID, nil, "")
	if w.Code != http.StatusOK || w.Body.String() != "png-data" {
		t.Fatalf("Expected attachment bytes, got %d %q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Expected image/png, got %s", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "inline") {
		t.Errorf("Expected inline disposition, got %s", cd)
	}

	w = e.do(t, &bob, "GET", "/forum/messages/"+msgID+"/attachments.zip", nil, "")
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "application/zip" {
		t.Fatalf("Expected zip export, got %d %s", w.Code, w.Header().Get("Content-Type"))
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), "attachments_message_"+msgID+".zip") {
		t.Errorf("unexpected disposition %s", w.Header().Get("Content-Disposition"))
	}

	if w := e.do(t, &bob, "POST", "/forum/attachments/"+attID+"/delete", nil, ""); w.Code != http.StatusForbidden {
		t.Errorf("Expected status %d, got %d", http.StatusForbidden, w.Code)
	}
	if w := e.do(t, &alice, "POST", "/forum/attachments/"+attID+"/delete", nil, ""); w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if w := e.do(t, &alice, "GET", "/forum/attachments/"+attID, nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d after delete, got %d", http.StatusNotFound, w.Code)
	}
}

// TestAttachments_SVG スクリプト入りのSVGはインライン表示しない
func TestAttachments_SVG(t *testing.T) {
	e := newTestHandler(t)

	w := e.upload(t, alice, "x.svg", []byte(`<svg xmlns="http://www.w3.org/2000/svg"><script>alert(1)</script></svg>`))
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	attID := decode(t, w)["attachment"].(map[string]any)["id"].(string)
	e.postJSON(t, alice, "/forum/messages", map[string]any{"content": "svg", "attachment_ids": []string{attID}})

	w = e.do(t, &bob, "GET", "/forum/attachments/"+attID, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment") {
		t.Errorf("Expected attachment disposition, got %s", cd)
	}
	if csp := w.Header().Get("Content-Security-Policy"); csp != "sandbox" {
		t.Errorf("Expected sandbox CSP, got %q", csp)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("Expected nosniff")
	}
}

// TestGetPresence 期限切れ・未設定はoffline
func TestGetPresence(t *testing.T) {
	e := newTestHandler(t)

	w := e.do(t, &bob, "GET", "/forum/presence/"+alice.UserID, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	p := decode(t, w)["presence"].(map[string]any)
	if p["status"] != "offline" || p["user_id"] != alice.UserID {
		t.Errorf("Expected offline, got %v", p)
	}

	if err := e.h.Presence.SetStatus(context.Background(), alice, model.StatusAway); err != nil {
		t.Fatal(err)
	}
	p = decode(t, e.do(t, &bob, "GET", "/forum/presence/"+alice.UserID, nil, ""))["presence"].(map[string]any)
	if p["status"] != "away" {
		t.Errorf("Expected away, got %v", p["status"])
	}

	if w := e.do(t, &guest, "GET", "/forum/presence/"+alice.UserID, nil, ""); w.Code != http.StatusForbidden {
		t.Errorf("Expected status %d, got %d", http.StatusForbidden, w.Code)
	}
}

// TestDownload 所有者・スタッフのみ、回数制限
func TestDownload(t *testing.T) {
	e := newTestHandler(t)
	dt, err := e.tokens.Issue(context.Background(), "item-1", time.Hour, 2)
	if err != nil {
		t.Fatal(err)
	}
	path := "/download/" + dt.Token

	if w := e.do(t, &bob, "GET", path, nil, ""); w.Code != http.StatusForbidden {
		t.Errorf("Expected status %d for non-purchaser, got %d", http.StatusForbidden, w.Code)
	}

	w := e.do(t, &alice, "GET", path, nil, "")
	if w.Code != http.StatusOK || w.Body.String() != "PK-pack-bytes" {
		t.Fatalf("Expected pack bytes, got %d %q", w.Code, w.Body.String())
	}
	if w.Header().Get("Content-Type") != "application/zip" || w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("unexpected headers %v", w.Header())
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), "math.zip") {
		t.Errorf("unexpected disposition %s", w.Header().Get("Content-Disposition"))
	}

	if w := e.do(t, &staff, "GET", path, nil, ""); w.Code != http.StatusOK {
		t.Errorf("staff should download, got %d", w.Code)
	}
	if w := e.do(t, &alice, "GET", path, nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d for exhausted link, got %d", http.StatusNotFound, w.Code)
	}
	if w := e.do(t, &alice, "GET", "/download/unknown", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d for unknown link, got %d", http.StatusNotFound, w.Code)
	}
}

// TestDownload_Concurrent 残り1回に同時アクセスしても成功は1件
func TestDownload_Concurrent(t *testing.T) {
	e := newTestHandler(t)
	dt, _ := e.tokens.Issue(context.Background(), "item-1", time.Hour, 1)

	const n = 8
	bearer := "Bearer " + e.bearer(t, alice)
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest("GET", "/download/"+dt.Token, nil)
			req.Header.Set("Authorization", bearer)
			w := httptest.NewRecorder()
			e.router.ServeHTTP(w, req)
			codes[i] = w.Code
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, c := range codes {
		switch c {
		case http.StatusOK:
			ok++
		case http.StatusNotFound:
		default:
			t.Errorf("unexpected status %d", c)
		}
	}
	if ok != 1 {
		t.Errorf("Expected exactly one successful download, got %d", ok)
	}
}

// TestConfirmOrder スタッフのみ
func TestConfirmOrder(t *testing.T) {
	e := newTestHandler(t)
	if w := e.do(t, &alice, "POST", "/orders/order-1/confirm", nil, ""); w.Code != http.StatusForbidden {
		t.Errorf("Expected status %d, got %d", http.StatusForbidden, w.Code)
	}
	w := e.do(t, &staff, "POST", "/orders/order-1/confirm", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	downloads := decode(t, w)["downloads"].([]any)
	if len(downloads) != 1 {
		t.Fatalf("Expected 1 grant, got %d", len(downloads))
	}
	tok := downloads[0].(map[string]any)["token"].(string)
	if w := e.do(t, &alice, "GET", "/download/"+tok, nil, ""); w.Code != http.StatusOK {
		t.Errorf("issued link should work, got %d", w.Code)
	}
	if w := e.do(t, &staff, "POST", "/orders/nope/confirm", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func wsURL(server *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token
}

// TestWebSocketConnection 投稿が接続中のクライアントに届く
func TestWebSocketConnection(t *testing.T) {
	e := newTestHandler(t)
	server := httptest.NewServer(e.router)
	defer server.Close()

	header := http.Header{"Origin": []string{"http://localhost:8080"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, e.bearer(t, bob)), header)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for e.h.Hub.Members(hub.ForumRoom) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("session never joined")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp := decode(t, e.postJSON(t, alice, "/forum/messages", map[string]string{"content": "live"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("Failed to read new_message: %v", err)
		}
		if frame["type"] != hub.TypeNewMessage {
			continue
		}
		if frame["message"].(map[string]any)["id"] != resp["message_id"] {
			t.Errorf("unexpected message %v", frame)
		}
		break
	}
}

// TestWebSocketOriginCheck 許可されていないOriginと未認証は拒否
func TestWebSocketOriginCheck(t *testing.T) {
	e := newTestHandler(t)
	server := httptest.NewServer(e.router)
	defer server.Close()

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, e.bearer(t, bob)), header)
	if err == nil {
		t.Fatal("Expected connection to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %v", resp)
	}

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(server, "garbage"), nil)
	if err == nil {
		t.Fatal("Expected unauthenticated connection to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %v", resp)
	}
}

// setupTestDB テスト用データベース接続をセットアップ
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	if os.Getenv("DB_HOST") == "" {
		t.Skip("Skipping: DB_HOST not set")
	}
	testDB, err := database.Init(config.Load())
	if err != nil {
		t.Skipf("Skipping: could not connect to test database: %v", err)
	}
	// テストデータをクリア
	for _, table := range []string{"forum_message_seen", "forum_message_hidden", "forum_attachments", "forum_messages"} {
		testDB.Exec("DELETE FROM " + table)
	}
	t.Cleanup(func() { testDB.Close() })
	return testDB
}

// TestCreateMessage_MySQL MySQL ストアでの作成と取得
func TestCreateMessage_MySQL(t *testing.T) {
	e := newTestHandlerWith(t, forum.NewSQLStore(setupTestDB(t)))

	w := e.postJSON(t, alice, "/forum/messages", map[string]string{"content": "stored"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	w = e.do(t, &bob, "GET", "/forum/messages", nil, "")
	msgs := decode(t, w)["messages"].([]any)
	if len(msgs) != 1 || msgs[0].(map[string]any)["content"] != "stored" {
		t.Errorf("unexpected messages %v", msgs)
	}
}
