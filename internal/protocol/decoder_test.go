package protocol

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func collect(t *testing.T, d *Decoder) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		env, err := d.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		out = append(out, env)
	}
}

func TestDecoderYieldsFramesInOrder(t *testing.T) {
	want := []Envelope{
		{Type: TypeHello, Data: HelloAccept},
		{Type: TypeMacroList, Data: `{"macro_list":[]}`},
		{Type: TypeMacroStarted, Data: "m1"},
		{Type: TypeHeartbeat, Data: HeartbeatPong},
		{Type: TypeMacroEnded, Data: "m1"},
	}

	var sb strings.Builder
	for _, env := range want {
		frame, err := Encode(env.Type, env.Data)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		sb.Write(frame)
	}

	// One byte per read exercises frames split across reads.
	d := NewDecoder(iotest.OneByteReader(strings.NewReader(sb.String())))
	got := collect(t, d)

	if len(got) != len(want) {
		t.Fatalf("decoded %d envelopes, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("envelope %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestDecoderSkipsCorruptLine(t *testing.T) {
	input := "{\"type\":\"macro-started\",\"data\":\"a\"}\n" +
		"{\"type\":\"macro-sta\n" +
		"\n" +
		"{\"type\":\"hello\"}\n" +
		"{\"type\":\"macro-ended\",\"data\":\"a\"}\n"

	var drops []error
	d := NewDecoder(strings.NewReader(input), WithDropHook(func(line []byte, err error) {
		drops = append(drops, err)
	}))
	got := collect(t, d)

	want := []Envelope{
		{Type: TypeMacroStarted, Data: "a"},
		{Type: TypeMacroEnded, Data: "a"},
	}
	if len(got) != len(want) {
		t.Fatalf("decoded %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("envelope %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	if len(drops) != 3 {
		t.Fatalf("drop hook called %d times, want 3: %v", len(drops), drops)
	}
	if !errors.Is(drops[0], ErrInvalidFrame) {
		t.Errorf("drops[0] = %v, want ErrInvalidFrame", drops[0])
	}
	if !errors.Is(drops[1], ErrEmptyLine) {
		t.Errorf("drops[1] = %v, want ErrEmptyLine", drops[1])
	}
	if !errors.Is(drops[2], ErrMissingField) {
		t.Errorf("drops[2] = %v, want ErrMissingField", drops[2])
	}
}

func TestDecoderSkipsOverlongLine(t *testing.T) {
	long := "{\"type\":\"error\",\"data\":\"" + strings.Repeat("x", 10000) + "\"}\n"
	input := "{\"type\":\"hello\",\"data\":\"accept\"}\n" + long + "{\"type\":\"heartbeat\",\"data\":\"pong\"}\n"

	var drops []error
	d := NewDecoder(strings.NewReader(input),
		WithMaxLineBytes(128),
		WithDropHook(func(line []byte, err error) { drops = append(drops, err) }),
	)
	got := collect(t, d)

	if len(got) != 2 || got[0].Type != TypeHello || got[1].Type != TypeHeartbeat {
		t.Fatalf("decoded %+v, want hello then heartbeat", got)
	}
	if len(drops) != 1 || !errors.Is(drops[0], ErrLineTooLong) {
		t.Fatalf("drops = %v, want one ErrLineTooLong", drops)
	}
}

func TestDecoderLineAtExactLimit(t *testing.T) {
	line := `{"type":"hello","data":"accept"}`
	d := NewDecoder(strings.NewReader(line+"\n"), WithMaxLineBytes(len(line)))
	got := collect(t, d)
	if len(got) != 1 {
		t.Fatalf("decoded %+v, want one envelope", got)
	}
}

func TestDecoderDiscardsUnterminatedTail(t *testing.T) {
	input := "{\"type\":\"hello\",\"data\":\"accept\"}\n{\"type\":\"macro-started\",\"data\":\"a\"}"

	var drops []error
	d := NewDecoder(strings.NewReader(input), WithDropHook(func(line []byte, err error) {
		drops = append(drops, err)
	}))
	got := collect(t, d)

	if len(got) != 1 || got[0].Type != TypeHello {
		t.Fatalf("decoded %+v, want only hello", got)
	}
	if len(drops) != 1 || !errors.Is(drops[0], ErrUnterminated) {
		t.Fatalf("drops = %v, want one ErrUnterminated", drops)
	}
}

func TestDecoderPropagatesReadError(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader("{\"type\":\"hello\",\"data\":\"accept\"}\n"), iotest.ErrReader(boom))
	d := NewDecoder(r)

	if _, err := d.Next(); err != nil {
		t.Fatalf("first Next() error = %v", err)
	}
	if _, err := d.Next(); !errors.Is(err, boom) {
		t.Fatalf("second Next() error = %v, want %v", err, boom)
	}
}
