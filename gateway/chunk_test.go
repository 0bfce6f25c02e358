package gateway

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestChunkBounds(t *testing.T) {
	tests := []struct {
		name    string
		total   int
		size    int
		overlap int
		want    []ChunkBounds
	}{
		{
			"fixed exact fit", 6, 3, 0,
			[]ChunkBounds{{0, 1, 3}, {1, 4, 6}},
		},
		{
			"fixed remainder", 7, 3, 0,
			[]ChunkBounds{{0, 1, 3}, {1, 4, 6}, {2, 7, 7}},
		},
		{
			"overlap", 10, 4, 1,
			[]ChunkBounds{{0, 1, 4}, {1, 4, 7}, {2, 7, 10}},
		},
		{
			"single chunk", 2, 100, 0,
			[]ChunkBounds{{0, 1, 2}},
		},
		{
			"empty file", 0, 3, 0,
			[]ChunkBounds{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chunkBounds(tt.total, tt.size, tt.overlap)
			if len(got) != len(tt.want) {
				t.Fatalf("chunks = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestChunkBoundsDeterministic(t *testing.T) {
	a := chunkBounds(1000, 37, 5)
	b := chunkBounds(1000, 37, 5)
	if len(a) != len(b) {
		t.Fatal("layouts differ in length")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("layouts differ at %d: %+v vs %+v", i, a[i], b[i])
		}
	}
	// Every line is covered and neighbors overlap by the configured amount.
	if a[0].StartLine != 1 || a[len(a)-1].EndLine != 1000 {
		t.Errorf("layout does not span the file: %+v .. %+v", a[0], a[len(a)-1])
	}
	for i := 1; i < len(a); i++ {
		if a[i].StartLine > a[i-1].EndLine+1 {
			t.Errorf("gap between chunk %d and %d", i-1, i)
		}
	}
}

func TestChunkCreateAndGet(t *testing.T) {
	var lines []string
	for i := 1; i <= 10; i++ {
		lines = append(lines, "line"+string(rune('0'+i%10)))
	}
	g, s, _ := newTestGateway(t, map[string]string{
		"a.txt": strings.Join(lines, "\n") + "\n",
	})

	createRes := g.handleChunkCreate(context.Background(), args(t, map[string]any{
		"session_id": s.ID, "path": "a.txt", "chunk_size": 4,
	}))
	var created chunkCreateResult
	decodeResult(t, createRes, &created)
	if created.Chunks != 3 || created.TotalLines != 10 {
		t.Fatalf("create = %+v, want 3 chunks over 10 lines", created)
	}

	getRes := g.handleChunkGet(context.Background(), args(t, map[string]any{
		"session_id": s.ID, "chunking_id": created.ChunkingID, "index": 1,
	}))
	var got chunkGetResult
	decodeResult(t, getRes, &got)
	if got.StartLine != 5 || got.EndLine != 8 {
		t.Errorf("bounds = %d-%d, want 5-8", got.StartLine, got.EndLine)
	}
	if got.Content != strings.Join(lines[4:8], "\n") {
		t.Errorf("content = %q", got.Content)
	}
	if got.Warning != "" {
		t.Errorf("unexpected warning: %q", got.Warning)
	}
}

func TestChunkGetClipsShrunkenFile(t *testing.T) {
	g, s, root := newTestGateway(t, map[string]string{
		"a.txt": strings.Repeat("line\n", 10),
	})

	createRes := g.handleChunkCreate(context.Background(), args(t, map[string]any{
		"session_id": s.ID, "path": "a.txt", "chunk_size": 5,
	}))
	var created chunkCreateResult
	decodeResult(t, createRes, &created)

	// Shrink the file below the second chunk's bounds.
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("line\nline\nline\nline\nline\nline\nline\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	getRes := g.handleChunkGet(context.Background(), args(t, map[string]any{
		"session_id": s.ID, "chunking_id": created.ChunkingID, "index": 1,
	}))
	var got chunkGetResult
	decodeResult(t, getRes, &got)
	if !strings.Contains(got.Warning, "clipped") {
		t.Errorf("warning = %q, want clip warning", got.Warning)
	}
	if got.EndLine != 7 {
		t.Errorf("end = %d, want 7", got.EndLine)
	}
}

func TestChunkGetStaleHandle(t *testing.T) {
	g, s, root := newTestGateway(t, map[string]string{
		"a.txt": strings.Repeat("line\n", 10),
	})

	handleRes := g.handleHandleCreate(context.Background(), args(t, map[string]any{
		"session_id": s.ID, "path": "a.txt",
	}))
	var h FileHandle
	decodeResult(t, handleRes, &h)

	createRes := g.handleChunkCreate(context.Background(), args(t, map[string]any{
		"session_id": s.ID, "handle_id": h.ID, "chunk_size": 5,
	}))
	var created chunkCreateResult
	decodeResult(t, createRes, &created)

	// Change the file content (same path, different size).
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte(strings.Repeat("changed line\n", 10)), 0o644); err != nil {
		t.Fatal(err)
	}

	getRes := g.handleChunkGet(context.Background(), args(t, map[string]any{
		"session_id": s.ID, "chunking_id": created.ChunkingID, "index": 0,
	}))
	var got chunkGetResult
	decodeResult(t, getRes, &got)
	if !strings.Contains(got.Warning, "file changed") {
		t.Errorf("warning = %q, want stale-handle warning", got.Warning)
	}
}

func TestChunkCreateRejectsBadArgs(t *testing.T) {
	g, s, _ := newTestGateway(t, map[string]string{"a.txt": "x\n"})

	tests := []struct {
		name string
		req  map[string]any
	}{
		{"unknown strategy", map[string]any{"session_id": s.ID, "path": "a.txt", "strategy": "semantic"}},
		{"overlap too large", map[string]any{"session_id": s.ID, "path": "a.txt", "strategy": "overlap", "chunk_size": 5, "overlap": 5}},
		{"unknown handle", map[string]any{"session_id": s.ID, "handle_id": "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := g.handleChunkCreate(context.Background(), args(t, tt.req))
			if !res.IsError {
				t.Error("want error result")
			}
		})
	}
}

func TestChunkGetOutOfRange(t *testing.T) {
	g, s, _ := newTestGateway(t, map[string]string{"a.txt": "x\ny\n"})

	createRes := g.handleChunkCreate(context.Background(), args(t, map[string]any{
		"session_id": s.ID, "path": "a.txt",
	}))
	var created chunkCreateResult
	decodeResult(t, createRes, &created)

	res := g.handleChunkGet(context.Background(), args(t, map[string]any{
		"session_id": s.ID, "chunking_id": created.ChunkingID, "index": 99,
	}))
	if !res.IsError {
		t.Error("out-of-range index should error")
	}
}
