package tokenizer

import (
	"os"
	"path/filepath"
	"testing"
)

func testVocab(t *testing.T) *Vocab {
	t.Helper()
	v, err := NewVocab([]string{
		"<eos>", "hello", "world", "Ġworld", "he", "llo", "Ġwor", "ld", "o",
	}, 0)
	if err != nil {
		t.Fatalf("NewVocab: %v", err)
	}
	return v
}

func TestVocabEncodeGreedyLongestMatch(t *testing.T) {
	v := testVocab(t)
	ids, err := v.Encode("hello world")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// "hello" matches whole, "world" prefers the space-marked form.
	want := []int{1, 3}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestVocabEncodeFallsBackToPieces(t *testing.T) {
	v := testVocab(t)
	// "helloo" = "hello" + "o"
	ids, err := v.Encode("helloo")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 8 {
		t.Errorf("ids = %v, want [1 8]", ids)
	}
}

func TestVocabEncodeUnknownRune(t *testing.T) {
	v := testVocab(t)
	if _, err := v.Encode("zzz"); err == nil {
		t.Fatal("expected error for unencodable text")
	}
}

func TestVocabDecodeSpaceMarkers(t *testing.T) {
	v := testVocab(t)
	got, err := v.Decode([]int{1, 3})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != "hello world" {
		t.Errorf("Decode = %q, want %q", got, "hello world")
	}
}

func TestVocabDecodeRejectsOutOfRange(t *testing.T) {
	v := testVocab(t)
	if _, err := v.Decode([]int{99}); err == nil {
		t.Error("expected error for out-of-range id")
	}
	if _, err := v.Decode([]int{-1}); err == nil {
		t.Error("expected error for negative id")
	}
}

func TestVocabEOS(t *testing.T) {
	v := testVocab(t)
	if v.EOS() != 0 {
		t.Errorf("EOS = %d, want 0", v.EOS())
	}

	noEOS, err := NewVocab([]string{"a"}, -1)
	if err != nil {
		t.Fatalf("NewVocab: %v", err)
	}
	if noEOS.EOS() != -1 {
		t.Errorf("EOS = %d, want -1", noEOS.EOS())
	}
}

func TestNewVocabRejectsBadInput(t *testing.T) {
	if _, err := NewVocab(nil, -1); err == nil {
		t.Error("expected error for empty vocab")
	}
	if _, err := NewVocab([]string{"a", "a"}, -1); err == nil {
		t.Error("expected error for duplicate token")
	}
	if _, err := NewVocab([]string{"a"}, 5); err == nil {
		t.Error("expected error for eos beyond vocab")
	}
}

func TestLoadVocabFromTokenizerJSON(t *testing.T) {
	dir := t.TempDir()
	doc := `{
		"model": {"vocab": {"hello": 0, "Ġworld": 1}},
		"added_tokens": [{"id": 2, "content": "<eos>"}]
	}`
	path := filepath.Join(dir, "tokenizer.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	v, err := LoadVocab(path, 2)
	if err != nil {
		t.Fatalf("LoadVocab: %v", err)
	}
	if v.Size() != 3 {
		t.Errorf("Size = %d, want 3", v.Size())
	}

	ids, err := v.Encode("hello world")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Errorf("ids = %v, want [0 1]", ids)
	}
}
