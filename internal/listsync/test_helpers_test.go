package listsync

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

const (
	testOwnerDID = "did:plc:owner0000000000000000000"
	testListURI  = "at://did:plc:owner0000000000000000000/app.bsky.graph.list/3jlist"
)

// testJWT builds an unsigned-but-well-formed token carrying only an exp claim.
func testJWT(t *testing.T, expiry time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	claims, err := json.Marshal(map[string]int64{"exp": expiry.Unix()})
	if err != nil {
		t.Fatalf("failed to encode claims: %v", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(claims)
	signature := base64.RawURLEncoding.EncodeToString([]byte("test-signature"))
	return fmt.Sprintf("%s.%s.%s", header, payload, signature)
}

// fakePDS is an in-process personal data server covering the session and
// record endpoints the list sync code touches.
type fakePDS struct {
	mu sync.Mutex

	accessToken  string
	refreshToken string

	records       []RecordEnvelope
	nextRKey      int
	pageSize      int
	rateLimitAdds int

	createSessionCalls  int
	refreshSessionCalls int
	createRecordCalls   int
	deleteRecordCalls   int
	listRecordsCalls    int
}

func newFakePDS(t *testing.T, accessToken string) (*fakePDS, *httptest.Server) {
	t.Helper()
	pds := &fakePDS{
		accessToken:  accessToken,
		refreshToken: "refresh-token",
		nextRKey:     1,
		pageSize:     100,
	}
	server := httptest.NewServer(pds)
	t.Cleanup(server.Close)
	return pds, server
}

func (p *fakePDS) seedMember(subject, listURI string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	rkey := fmt.Sprintf("3juirkey%06d", p.nextRKey)
	p.nextRKey++
	uri := fmt.Sprintf("at://%s/%s/%s", testOwnerDID, ListItemCollection, rkey)
	p.records = append(p.records, RecordEnvelope{
		URI: uri,
		CID: "bafyfakecid",
		Value: ListItemRecord{
			Type:      ListItemCollection,
			Subject:   subject,
			List:      listURI,
			CreatedAt: "2026-01-01T00:00:00Z",
		},
	})
	return uri
}

func (p *fakePDS) members() []RecordEnvelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RecordEnvelope(nil), p.records...)
}

func (p *fakePDS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case createSessionPath:
		p.handleCreateSession(w, r)
	case refreshSessionPath:
		p.handleRefreshSession(w, r)
	case listRecordsPath:
		p.handleListRecords(w, r)
	case createRecordPath:
		p.handleCreateRecord(w, r)
	case deleteRecordPath:
		p.handleDeleteRecord(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (p *fakePDS) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.createSessionCalls++
	token := p.accessToken
	refresh := p.refreshToken
	p.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]string{
		"did":        testOwnerDID,
		"handle":     "owner.example.com",
		"accessJwt":  token,
		"refreshJwt": refresh,
	})
}

func (p *fakePDS) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.refreshSessionCalls++
	token := p.accessToken
	refresh := p.refreshToken
	p.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]string{
		"did":        testOwnerDID,
		"handle":     "owner.example.com",
		"accessJwt":  token,
		"refreshJwt": refresh,
	})
}

func (p *fakePDS) handleListRecords(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listRecordsCalls++

	offset := 0
	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		offset, _ = strconv.Atoi(cursor)
	}

	end := offset + p.pageSize
	if end > len(p.records) {
		end = len(p.records)
	}
	page := p.records[offset:end]

	nextCursor := ""
	if end < len(p.records) {
		nextCursor = strconv.Itoa(end)
	}

	json.NewEncoder(w).Encode(map[string]any{
		"records": page,
		"cursor":  nextCursor,
	})
}

func (p *fakePDS) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createRecordCalls++

	if p.rateLimitAdds > 0 {
		p.rateLimitAdds--
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	var payload struct {
		Repo       string         `json:"repo"`
		Collection string         `json:"collection"`
		Record     ListItemRecord `json:"record"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rkey := fmt.Sprintf("3juirkey%06d", p.nextRKey)
	p.nextRKey++
	uri := fmt.Sprintf("at://%s/%s/%s", payload.Repo, payload.Collection, rkey)
	p.records = append(p.records, RecordEnvelope{URI: uri, CID: "bafyfakecid", Value: payload.Record})

	json.NewEncoder(w).Encode(map[string]string{"uri": uri, "cid": "bafyfakecid"})
}

func (p *fakePDS) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleteRecordCalls++

	var payload struct {
		Repo       string `json:"repo"`
		Collection string `json:"collection"`
		RKey       string `json:"rkey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	suffix := "/" + payload.Collection + "/" + payload.RKey
	kept := p.records[:0]
	found := false
	for _, record := range p.records {
		if !found && len(record.URI) >= len(suffix) && record.URI[len(record.URI)-len(suffix):] == suffix {
			found = true
			continue
		}
		kept = append(kept, record)
	}
	p.records = kept

	if !found {
		http.Error(w, "record not found", http.StatusBadRequest)
		return
	}
	w.Write([]byte(`{}`))
}

func newTestManager(t *testing.T, server *httptest.Server, clock func() time.Time) *Manager {
	t.Helper()

	session, err := NewSession(SessionConfig{
		Host:        server.URL,
		Identifier:  "owner.example.com",
		AppPassword: "app-password",
	})
	if err != nil {
		t.Fatalf("failed to construct session: %v", err)
	}

	client, err := NewClient(ClientConfig{Host: server.URL, Session: session})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}

	manager, err := NewManager(ManagerConfig{
		Client:   client,
		OwnerDID: testOwnerDID,
		ListURI:  testListURI,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	return manager
}
