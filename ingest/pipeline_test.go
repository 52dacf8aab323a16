package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jurisdesk/intakebot/internal/clockutil"
	"github.com/jurisdesk/intakebot/transport"
)

func textMessage(id, text string, ts time.Time) *transport.Message {
	return &transport.Message{ID: id, From: "5511999990000", Kind: transport.KindText, Text: text, Timestamp: ts}
}

func TestPipelineDedup(t *testing.T) {
	clock := clockutil.NewFake(time.Time{})
	p := NewPipeline(Config{}, nil, nil, clock, nil)
	msg := textMessage("m1", "oi", clock.Now())

	first := p.Process(context.Background(), msg, Admission{FirstConnection: true})
	if first.Drop {
		t.Fatalf("first Process() dropped: %s", first.DropReason)
	}
	second := p.Process(context.Background(), msg, Admission{FirstConnection: true})
	if !second.Drop || second.DropReason != "duplicate" {
		t.Fatalf("second Process() = %+v, want duplicate drop", second)
	}
}

func TestDedupSetTrimsOldest(t *testing.T) {
	d := newDedupSet(100)
	for i := 0; i < 150; i++ {
		if d.Observe(fmt.Sprintf("id-%d", i)) {
			t.Fatalf("Observe(id-%d) = true on first sight", i)
		}
	}
	if d.Len() != 100 {
		t.Fatalf("Len() = %d, want 100", d.Len())
	}
	// id-0 fell out of the window, so it is no longer a duplicate.
	if d.Observe("id-0") {
		t.Fatal("Observe(id-0) = true, want false after trim")
	}
	if d.Observe("id-149") != true {
		t.Fatal("Observe(id-149) = false, want true")
	}
}

func TestPipelineConcurrentMediaDedup(t *testing.T) {
	clock := clockutil.NewFake(time.Time{})
	p := NewPipeline(Config{}, nil, nil, clock, nil)

	// Media messages are dispatched on their own goroutines, so Process must
	// be safe to call concurrently.
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				msg := &transport.Message{
					ID: fmt.Sprintf("img-%d-%d", g, i), Kind: transport.KindImage,
					Timestamp: clock.Now(), Download: download([]byte("jpg"), nil),
				}
				p.Process(context.Background(), msg, Admission{FirstConnection: true})
			}
		}(g)
	}
	wg.Wait()

	if got := p.dedup.Len(); got != defaultDedupCapacity {
		t.Fatalf("dedup Len() = %d, want %d", got, defaultDedupCapacity)
	}
	if p.dedup.Observe("img-fresh") {
		t.Fatal("Observe(img-fresh) = true on first sight")
	}
	if !p.dedup.Observe("img-fresh") {
		t.Fatal("Observe(img-fresh) = false, want duplicate")
	}
}

func TestPipelineAdmission(t *testing.T) {
	clock := clockutil.NewFake(time.Time{})
	now := clock.Now()
	p := NewPipeline(Config{
		FirstConnectWindow: 30 * time.Second,
		ReconnectBuffer:    60 * time.Second,
		RecoveryWindow:     24 * time.Hour,
	}, nil, nil, clock, nil)

	tests := []struct {
		name string
		ts   time.Time
		adm  Admission
		drop bool
	}{
		{"first_connect_fresh", now.Add(-10 * time.Second), Admission{FirstConnection: true}, false},
		{"first_connect_stale", now.Add(-5 * time.Minute), Admission{FirstConnection: true}, true},
		{"reconnect_since_activity", now.Add(-10 * time.Minute), Admission{LastActivity: now.Add(-15 * time.Minute)}, false},
		{"reconnect_within_buffer", now.Add(-16 * time.Minute), Admission{LastActivity: now.Add(-15 * time.Minute)}, false},
		{"reconnect_before_activity", now.Add(-20 * time.Minute), Admission{LastActivity: now.Add(-15 * time.Minute)}, true},
		{"long_outage_recent_portion", now.Add(-23 * time.Hour), Admission{LastActivity: now.Add(-72 * time.Hour)}, false},
		{"long_outage_too_old", now.Add(-30 * time.Hour), Admission{LastActivity: now.Add(-72 * time.Hour)}, true},
		{"no_zero_timestamp_drop", time.Time{}, Admission{FirstConnection: true}, false},
	}
	for i, tt := range tests {
		msg := textMessage(fmt.Sprintf("adm-%d", i), "oi", tt.ts)
		res := p.Process(context.Background(), msg, tt.adm)
		if res.Drop != tt.drop {
			t.Errorf("%s: Drop = %v (%s), want %v", tt.name, res.Drop, res.DropReason, tt.drop)
		}
	}
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f fakeTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return f.text, f.err
}

func download(data []byte, err error) func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) { return data, err }
}

func TestPipelineAudioTranscription(t *testing.T) {
	clock := clockutil.NewFake(time.Time{})
	p := NewPipeline(Config{}, fakeTranscriber{text: "quero processar a loja"}, nil, clock, nil)
	msg := &transport.Message{
		ID: "a1", Kind: transport.KindAudio, MimeType: "audio/ogg",
		Timestamp: clock.Now(), Download: download([]byte("ogg"), nil),
	}
	res := p.Process(context.Background(), msg, Admission{FirstConnection: true})
	if res.Text != "quero processar a loja" || !res.Media {
		t.Fatalf("Process() = %+v, want transcription with Media", res)
	}
}

func TestPipelineAudioFallbackApology(t *testing.T) {
	clock := clockutil.NewFake(time.Time{})
	p := NewPipeline(Config{}, fakeTranscriber{err: errors.New("whisper down")}, nil, clock, nil)
	msg := &transport.Message{
		ID: "a2", Kind: transport.KindAudio,
		Timestamp: clock.Now(), Download: download([]byte("ogg"), nil),
	}
	res := p.Process(context.Background(), msg, Admission{FirstConnection: true})
	if res.Text != transcriptionApology {
		t.Fatalf("Process() text = %q, want apology", res.Text)
	}
}

func TestPipelineNonPDFDocumentShortCircuits(t *testing.T) {
	clock := clockutil.NewFake(time.Time{})
	p := NewPipeline(Config{}, nil, nil, clock, nil)
	msg := &transport.Message{
		ID: "d1", Kind: transport.KindDocument, MimeType: "image/png",
		Filename: "foto.png", Timestamp: clock.Now(),
	}
	res := p.Process(context.Background(), msg, Admission{FirstConnection: true})
	if res.ShortCircuit != unsupportedDocumentReply {
		t.Fatalf("ShortCircuit = %q, want fixed PDF-only reply", res.ShortCircuit)
	}
	if res.Text != "" {
		t.Fatalf("Text = %q, want empty on short-circuit", res.Text)
	}
}

type recordingUploader struct {
	refs []string
	err  error
}

func (u *recordingUploader) Upload(_ context.Context, _ []byte, filename string) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	ref := "s3://bucket/" + filename
	u.refs = append(u.refs, ref)
	return ref, nil
}

func TestPipelineImageUploadBestEffort(t *testing.T) {
	clock := clockutil.NewFake(time.Time{})
	up := &recordingUploader{}
	p := NewPipeline(Config{}, nil, up, clock, nil)
	msg := &transport.Message{
		ID: "i1", Kind: transport.KindImage, Filename: "prova.jpg",
		Timestamp: clock.Now(), Download: download([]byte("jpg"), nil),
	}
	res := p.Process(context.Background(), msg, Admission{FirstConnection: true})
	if res.Text != "[imagem recebida]" || !res.Media {
		t.Fatalf("Process() = %+v, want image placeholder", res)
	}
	if len(up.refs) != 1 {
		t.Fatalf("uploads = %v, want one", up.refs)
	}

	// Upload failure still yields the placeholder.
	up.err = errors.New("bucket unavailable")
	msg2 := &transport.Message{
		ID: "i2", Kind: transport.KindImage,
		Timestamp: clock.Now(), Download: download([]byte("jpg"), nil),
	}
	res = p.Process(context.Background(), msg2, Admission{FirstConnection: true})
	if res.Text != "[imagem recebida]" {
		t.Fatalf("Process() text = %q, want placeholder despite upload error", res.Text)
	}
}

func TestPipelinePDFDocumentPasses(t *testing.T) {
	clock := clockutil.NewFake(time.Time{})
	p := NewPipeline(Config{}, nil, nil, clock, nil)
	msg := &transport.Message{
		ID: "d2", Kind: transport.KindDocument, MimeType: "application/pdf",
		Filename: "contrato.pdf", Timestamp: clock.Now(),
	}
	res := p.Process(context.Background(), msg, Admission{FirstConnection: true})
	if res.ShortCircuit != "" || res.Drop {
		t.Fatalf("Process() = %+v, want pass-through", res)
	}
	if res.Text != "[documento recebido: contrato.pdf]" {
		t.Fatalf("Text = %q, want document tag", res.Text)
	}
}
