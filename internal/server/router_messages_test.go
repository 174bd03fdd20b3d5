package server

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type messageResponse struct {
	ID          string `json:"id"`
	Seq         int64  `json:"seq"`
	SenderID    string `json:"sender_id"`
	Text        string `json:"text"`
	Attachments []struct {
		ID       string `json:"id"`
		FileName string `json:"file_name"`
		MimeType string `json:"mime_type"`
	} `json:"attachments"`
}

func startConversation(t *testing.T, harness *apiHarness) string {
	t.Helper()
	var conversation conversationPayload
	status := harness.do(t, testBuyerID, http.MethodPost, "/conversations", map[string]any{
		"buyer_id":    testBuyerID,
		"provider_id": testProviderID,
	}, &conversation)
	if status != http.StatusOK {
		t.Fatalf("unexpected start status %d", status)
	}
	return conversation.ID
}

func TestMessagesAreOrderedAndPaged(t *testing.T) {
	harness := newAPIHarness(t, harnessOptions{})
	conversationID := startConversation(t, harness)

	senders := []string{testBuyerID, testProviderID, testBuyerID}
	for index, sender := range senders {
		var sent messageResponse
		status := harness.do(t, sender, http.MethodPost, "/conversations/"+conversationID+"/messages", map[string]any{
			"text": "message " + string(rune('a'+index)),
		}, &sent)
		if status != http.StatusCreated || sent.Seq != int64(index+1) {
			t.Fatalf("unexpected send result %d %+v", status, sent)
		}
	}

	var firstPage struct {
		Messages   []messageResponse `json:"messages"`
		NextCursor int64             `json:"next_cursor"`
		HasMore    bool              `json:"has_more"`
	}
	if status := harness.do(t, testProviderID, http.MethodGet, "/conversations/"+conversationID+"/messages?limit=2", nil, &firstPage); status != http.StatusOK {
		t.Fatalf("unexpected list status %d", status)
	}
	if len(firstPage.Messages) != 2 || !firstPage.HasMore || firstPage.NextCursor != 2 {
		t.Fatalf("unexpected first page: %+v", firstPage)
	}

	var secondPage struct {
		Messages   []messageResponse `json:"messages"`
		NextCursor int64             `json:"next_cursor"`
		HasMore    bool              `json:"has_more"`
	}
	if status := harness.do(t, testProviderID, http.MethodGet, "/conversations/"+conversationID+"/messages?limit=2&after=2", nil, &secondPage); status != http.StatusOK {
		t.Fatalf("unexpected list status %d", status)
	}
	if len(secondPage.Messages) != 1 || secondPage.HasMore || secondPage.Messages[0].Text != "message c" {
		t.Fatalf("unexpected second page: %+v", secondPage)
	}

	if status := harness.do(t, testStrangerID, http.MethodGet, "/conversations/"+conversationID+"/messages", nil, nil); status != http.StatusForbidden {
		t.Fatalf("stranger must not read messages, got %d", status)
	}
	if status := harness.do(t, testStrangerID, http.MethodPost, "/conversations/"+conversationID+"/messages", map[string]any{"text": "hi"}, nil); status != http.StatusForbidden {
		t.Fatalf("stranger must not send messages, got %d", status)
	}
	if status := harness.do(t, testBuyerID, http.MethodPost, "/conversations/"+conversationID+"/messages", map[string]any{"text": ""}, nil); status != http.StatusBadRequest {
		t.Fatalf("empty message must be invalid, got %d", status)
	}
	if status := harness.do(t, testBuyerID, http.MethodGet, "/conversations/"+conversationID+"/messages?after=-1", nil, nil); status != http.StatusBadRequest {
		t.Fatalf("negative cursor must be invalid, got %d", status)
	}
}

func TestAttachmentUploadLinkAndDownload(t *testing.T) {
	harness := newAPIHarness(t, harnessOptions{})
	conversationID := startConversation(t, harness)
	content := []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n%%EOF\n")

	var reservation struct {
		Key       string `json:"key"`
		UploadURL string `json:"upload_url"`
		MaxBytes  int64  `json:"max_bytes"`
	}
	status := harness.do(t, testBuyerID, http.MethodPost, "/conversations/"+conversationID+"/attachments", map[string]any{
		"file_name":  "floor plan.pdf",
		"mime_type":  "application/pdf",
		"size_bytes": len(content),
	}, &reservation)
	if status != http.StatusCreated {
		t.Fatalf("unexpected reserve status %d", status)
	}
	if !strings.HasPrefix(reservation.Key, "conversations/"+conversationID+"/") || !strings.HasPrefix(reservation.UploadURL, harness.server.URL+"/blobs/") {
		t.Fatalf("unexpected reservation: %+v", reservation)
	}

	upload, err := http.NewRequest(http.MethodPut, reservation.UploadURL, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("failed to build upload: %v", err)
	}
	uploadResponse, err := http.DefaultClient.Do(upload)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	_ = uploadResponse.Body.Close()
	if uploadResponse.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected upload status %d", uploadResponse.StatusCode)
	}

	replay, err := http.NewRequest(http.MethodPut, reservation.UploadURL, bytes.NewReader([]byte("%PDF-1.4\nswapped\n")))
	if err != nil {
		t.Fatalf("failed to build replayed upload: %v", err)
	}
	replayResponse, err := http.DefaultClient.Do(replay)
	if err != nil {
		t.Fatalf("replayed upload failed: %v", err)
	}
	_ = replayResponse.Body.Close()
	if replayResponse.StatusCode != http.StatusConflict {
		t.Fatalf("reused upload url must not overwrite, got %d", replayResponse.StatusCode)
	}

	var sent messageResponse
	status = harness.do(t, testBuyerID, http.MethodPost, "/conversations/"+conversationID+"/messages", map[string]any{
		"text": "",
		"attachments": []map[string]any{{
			"key":        reservation.Key,
			"file_name":  "floor plan.pdf",
			"mime_type":  "application/pdf",
			"size_bytes": len(content),
		}},
	}, &sent)
	if status != http.StatusCreated || len(sent.Attachments) != 1 {
		t.Fatalf("unexpected send result %d %+v", status, sent)
	}

	if status := harness.do(t, testStrangerID, http.MethodGet, "/attachments/"+sent.Attachments[0].ID+"/url", nil, nil); status != http.StatusForbidden {
		t.Fatalf("stranger must not get read urls, got %d", status)
	}
	var signed signedURLPayload
	if status := harness.do(t, testProviderID, http.MethodGet, "/attachments/"+sent.Attachments[0].ID+"/url", nil, &signed); status != http.StatusOK {
		t.Fatalf("unexpected url status %d", status)
	}
	download, err := http.Get(signed.URL)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	defer download.Body.Close()
	downloaded, err := io.ReadAll(download.Body)
	if err != nil {
		t.Fatalf("failed to read download: %v", err)
	}
	if download.StatusCode != http.StatusOK || !bytes.Equal(downloaded, content) {
		t.Fatalf("unexpected download %d %q", download.StatusCode, downloaded)
	}

	tampered, err := http.Get(strings.Replace(signed.URL, "token=", "token=x", 1))
	if err != nil {
		t.Fatalf("tampered download failed: %v", err)
	}
	_ = tampered.Body.Close()
	if tampered.StatusCode != http.StatusForbidden {
		t.Fatalf("tampered token must be rejected, got %d", tampered.StatusCode)
	}
}

func TestAttachmentReservationRejectsExecutables(t *testing.T) {
	harness := newAPIHarness(t, harnessOptions{})
	conversationID := startConversation(t, harness)

	var problem errorResponse
	status := harness.do(t, testBuyerID, http.MethodPost, "/conversations/"+conversationID+"/attachments", map[string]any{
		"file_name":  "setup.exe",
		"mime_type":  "application/x-msdownload",
		"size_bytes": 11000000,
	}, &problem)
	if status != http.StatusBadRequest || problem.Error != "validation" {
		t.Fatalf("unexpected reservation rejection %d %+v", status, problem)
	}

	entries, err := os.ReadDir(harness.blobRoot)
	if err != nil {
		t.Fatalf("failed to list blob root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("no blob may be stored, found %d entries", len(entries))
	}
}

func TestBlobUploadRejectsExecutableContent(t *testing.T) {
	harness := newAPIHarness(t, harnessOptions{})
	conversationID := startConversation(t, harness)
	payload := make([]byte, 64)
	copy(payload, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	payload[16] = 2

	var reservation struct {
		Key       string `json:"key"`
		UploadURL string `json:"upload_url"`
	}
	status := harness.do(t, testBuyerID, http.MethodPost, "/conversations/"+conversationID+"/attachments", map[string]any{
		"file_name":  "notes.txt",
		"mime_type":  "text/plain",
		"size_bytes": len(payload),
	}, &reservation)
	if status != http.StatusCreated {
		t.Fatalf("unexpected reserve status %d", status)
	}
	upload, err := http.NewRequest(http.MethodPut, reservation.UploadURL, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("failed to build upload: %v", err)
	}
	response, err := http.DefaultClient.Do(upload)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	_ = response.Body.Close()
	if response.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("expected executable upload to be refused, got %d", response.StatusCode)
	}
	if _, err := os.Stat(filepath.Join(harness.blobRoot, filepath.FromSlash(reservation.Key))); !os.IsNotExist(err) {
		t.Fatalf("refused upload must not leave a blob: %v", err)
	}
}
