package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"parley/internal/auth"
	"parley/internal/blob"
	"parley/internal/model"
	"parley/internal/pipeline"
	"parley/internal/presence"
	"parley/internal/router"
	"parley/internal/store"
)

// setupHandler wires a Handler against the in-memory store.
func setupHandler(t *testing.T) (*Handler, *store.Memory) {
	t.Helper()

	st := store.NewMemory()
	reg := presence.NewRegistry()
	rt := router.New(reg)
	reg.SetBroadcaster(rt)
	pl := pipeline.New(st, reg, rt)
	authSvc := auth.New(st, "test-secret")

	return New(st, authSvc, nil, pl, nil), st
}

// registerUser creates an account through the API and returns its token.
func registerUser(t *testing.T, h *Handler, email string) string {
	t.Helper()

	body, _ := json.Marshal(map[string]string{
		"email":    email,
		"password": "Str0ng!pass",
	})
	req := httptest.NewRequest("POST", "/api/register", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("register failed: status %d body %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("no token in response: %s", rr.Body.String())
	}
	return resp.Token
}

func seedMessages(t *testing.T, st *store.Memory, room, sender string, n int) []model.Message {
	t.Helper()
	out := make([]model.Message, 0, n)
	for i := 0; i < n; i++ {
		msg := &model.Message{
			Room:   room,
			Sender: sender,
			Body:   fmt.Sprintf("message %02d", i),
			ReadBy: []string{sender},
		}
		if err := st.Append(context.Background(), msg); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
		out = append(out, *msg)
	}
	return out
}

func authedRequest(method, target, token string, body []byte) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestHealthCheck(t *testing.T) {
	h, _ := setupHandler(t)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rr := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestRegisterValidation(t *testing.T) {
	h, _ := setupHandler(t)
	r := h.SetupRouter()

	cases := []struct {
		name string
		body string
	}{
		{"not json", `hello`},
		{"missing email", `{"password":"Str0ng!pass"}`},
		{"bad email", `{"email":"not-an-email","password":"Str0ng!pass"}`},
		{"weak password", `{"email":"a@example.com","password":"weak"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/register", bytes.NewReader([]byte(tc.body)))
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, req)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestRegisterThenLogin(t *testing.T) {
	h, _ := setupHandler(t)
	registerUser(t, h, "alice@example.com")

	// Duplicate registration rejected.
	body, _ := json.Marshal(map[string]string{"email": "alice@example.com", "password": "Str0ng!pass"})
	req := httptest.NewRequest("POST", "/api/register", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected duplicate rejected with 400, got %d", rr.Code)
	}

	// Correct credentials.
	req = httptest.NewRequest("POST", "/api/login", bytes.NewReader(body))
	rr = httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
		User  struct {
			Email string `json:"email"`
		} `json:"user"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp.Token == "" || resp.User.Email != "alice@example.com" {
		t.Errorf("unexpected login response: %s", rr.Body.String())
	}

	// Wrong password.
	body, _ = json.Marshal(map[string]string{"email": "alice@example.com", "password": "Wr0ng!pass"})
	req = httptest.NewRequest("POST", "/api/login", bytes.NewReader(body))
	rr = httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for wrong password, got %d", rr.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h, _ := setupHandler(t)
	r := h.SetupRouter()

	targets := []struct {
		method string
		path   string
	}{
		{"GET", "/api/messages?room=general"},
		{"GET", "/api/search?room=general&q=x"},
		{"POST", "/api/messages/read"},
		{"PUT", "/api/messages/m1"},
		{"DELETE", "/api/messages/m1"},
	}
	for _, target := range targets {
		req := httptest.NewRequest(target.method, target.path, nil)
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401 without token, got %d", target.method, target.path, rr.Code)
		}

		req = httptest.NewRequest(target.method, target.path, nil)
		req.Header.Set("Authorization", "Bearer garbage")
		rr = httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401 with bad token, got %d", target.method, target.path, rr.Code)
		}
	}
}

func TestGetMessagesPagination(t *testing.T) {
	h, st := setupHandler(t)
	token := registerUser(t, h, "alice@example.com")
	seeded := seedMessages(t, st, "general", "alice", 25)
	r := h.SetupRouter()

	// Default window: the 20 most recent.
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, authedRequest("GET", "/api/messages?room=general", token, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("fetch failed: %d %s", rr.Code, rr.Body.String())
	}
	var page struct {
		Messages []model.Message `json:"messages"`
		Count    int             `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &page); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if page.Count != 20 || len(page.Messages) != 20 {
		t.Fatalf("expected 20 messages, got %d", page.Count)
	}
	if page.Messages[0].ID != seeded[5].ID {
		t.Errorf("expected window to start at the 6th message, got %s", page.Messages[0].ID)
	}

	// Older page via before=.
	before := page.Messages[0].Timestamp.Format(time.RFC3339Nano)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, authedRequest("GET", "/api/messages?room=general&before="+before, token, nil))
	if err := json.Unmarshal(rr.Body.Bytes(), &page); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if page.Count != 5 {
		t.Fatalf("expected remaining 5 messages, got %d", page.Count)
	}

	// Missing room.
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, authedRequest("GET", "/api/messages", token, nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without room, got %d", rr.Code)
	}

	// Malformed before.
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, authedRequest("GET", "/api/messages?room=general&before=yesterday", token, nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad before, got %d", rr.Code)
	}

	// Empty room returns an empty list, not null.
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, authedRequest("GET", "/api/messages?room=deserted", token, nil))
	if rr.Code != http.StatusOK || !bytes.Contains(rr.Body.Bytes(), []byte(`"messages":[]`)) {
		t.Errorf("expected empty array, got %s", rr.Body.String())
	}
}

func TestSearchMessages(t *testing.T) {
	h, st := setupHandler(t)
	token := registerUser(t, h, "alice@example.com")
	st.Append(context.Background(), &model.Message{Room: "general", Sender: "alice", Body: "deploy done"})
	st.Append(context.Background(), &model.Message{Room: "general", Sender: "alice", Body: "lunch?"})
	r := h.SetupRouter()

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, authedRequest("GET", "/api/search?room=general&q=Deploy", token, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("search failed: %d", rr.Code)
	}
	var resp struct {
		Results []model.Message `json:"results"`
		Count   int             `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp.Count != 1 || resp.Results[0].Body != "deploy done" {
		t.Errorf("unexpected results: %+v", resp)
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, authedRequest("GET", "/api/search?room=general", token, nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without query, got %d", rr.Code)
	}
}

func TestMarkReadEndpoint(t *testing.T) {
	h, st := setupHandler(t)
	token := registerUser(t, h, "bob@example.com")
	seedMessages(t, st, "general", "alice", 3)
	r := h.SetupRouter()

	body := []byte(`{"room":"general"}`)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, authedRequest("POST", "/api/messages/read", token, body))
	if rr.Code != http.StatusOK {
		t.Fatalf("mark read failed: %d %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Updated int `json:"updated"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Updated != 3 {
		t.Errorf("expected 3 updated, got %d", resp.Updated)
	}

	// The authenticated identity is the reader.
	page, _ := st.ListByRoom(context.Background(), "general", time.Time{}, 10)
	for _, m := range page {
		if !m.ReadByContains("bob@example.com") {
			t.Errorf("message %s missing reader: %v", m.ID, m.ReadBy)
		}
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, authedRequest("POST", "/api/messages/read", token, []byte(`{}`)))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without room, got %d", rr.Code)
	}
}

func TestEditAndDeleteEndpoints(t *testing.T) {
	h, st := setupHandler(t)
	authorToken := registerUser(t, h, "alice@example.com")
	otherToken := registerUser(t, h, "mallory@example.com")
	r := h.SetupRouter()

	msg := &model.Message{Room: "general", Sender: "alice@example.com", Body: "original"}
	if err := st.Append(context.Background(), msg); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Non-author forbidden.
	body := []byte(`{"message":"hacked"}`)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, authedRequest("PUT", "/api/messages/"+msg.ID, otherToken, body))
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-author edit, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, authedRequest("DELETE", "/api/messages/"+msg.ID, otherToken, nil))
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-author delete, got %d", rr.Code)
	}

	// Author edit.
	body = []byte(`{"message":"revised"}`)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, authedRequest("PUT", "/api/messages/"+msg.ID, authorToken, body))
	if rr.Code != http.StatusOK {
		t.Fatalf("author edit failed: %d %s", rr.Code, rr.Body.String())
	}
	got, _ := st.Get(context.Background(), msg.ID)
	if got.Body != "revised" || !got.Edited {
		t.Errorf("edit not applied: %+v", got)
	}

	// Author delete, then 404 on the gone message.
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, authedRequest("DELETE", "/api/messages/"+msg.ID, authorToken, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("author delete failed: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, authedRequest("DELETE", "/api/messages/"+msg.ID, authorToken, nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing message, got %d", rr.Code)
	}
}

func TestUploadEndpoint(t *testing.T) {
	st := store.NewMemory()
	reg := presence.NewRegistry()
	rt := router.New(reg)
	pl := pipeline.New(st, reg, rt)
	authSvc := auth.New(st, "test-secret")
	blobStore, err := blob.NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	h := New(st, authSvc, blobStore, pl, nil)
	token := registerUser(t, h, "alice@example.com")
	r := h.SetupRouter()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	part.Write([]byte("meeting at noon"))
	mw.Close()

	req := httptest.NewRequest("POST", "/api/upload", &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("upload failed: %d %s", rr.Code, rr.Body.String())
	}
	var meta model.FileMeta
	if err := json.Unmarshal(rr.Body.Bytes(), &meta); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if meta.Name != "notes.txt" || meta.Size != 15 {
		t.Errorf("unexpected meta: %+v", meta)
	}

	// The stored file is served back under its URL.
	req = httptest.NewRequest("GET", meta.URL, nil)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "meeting at noon" {
		t.Errorf("serving uploaded file failed: %d %q", rr.Code, rr.Body.String())
	}

	// Missing file part.
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, authedRequest("POST", "/api/upload", token, nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without file, got %d", rr.Code)
	}
}

func TestUploadUnavailableWithoutBlobStore(t *testing.T) {
	h, _ := setupHandler(t)
	token := registerUser(t, h, "alice@example.com")

	rr := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rr, authedRequest("POST", "/api/upload", token, nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 with no blob store configured, got %d", rr.Code)
	}
}
