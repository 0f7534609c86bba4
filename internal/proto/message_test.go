package proto

import (
	"strings"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	cases := []Message{
		Sync(),
		Position(1.5, -2.25),
		Player(7, 3.0, 4.0),
		StateMessage(Object{ID: 9, Info: Tree(1, 2, 3)}),
		StateMessage(Object{ID: 9, Info: PlayerInfo(1, 2, "red")}),
	}

	for _, want := range cases {
		enc := want.Encode(nil)
		got, rest, err := DecodeMessage(enc)
		if err != nil {
			t.Fatalf("tag %d: decode: %v", want.Tag, err)
		}
		if len(rest) != 0 {
			t.Fatalf("tag %d: leftover bytes %d", want.Tag, len(rest))
		}
		if got != want {
			t.Fatalf("tag %d: got %+v, want %+v", want.Tag, got, want)
		}
	}
}

func TestMessageUnknownTagDecodesLeniently(t *testing.T) {
	got, rest, err := DecodeMessage([]byte{42})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Tag != MessageTagUnknown {
		t.Fatalf("got tag %d, want MessageTagUnknown", got.Tag)
	}
	if len(rest) != 0 {
		t.Fatalf("leftover bytes %d", len(rest))
	}
}

func TestMessageTruncated(t *testing.T) {
	_, _, err := DecodeMessage(nil)
	if err != ErrTruncated {
		t.Fatalf("got %v, want ErrTruncated", err)
	}

	enc := Position(1, 2).Encode(nil)
	_, _, err = DecodeMessage(enc[:len(enc)-1])
	if err != ErrTruncated {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
}

func TestReliableMessageRoundTrip(t *testing.T) {
	objs := map[uint32]Object{
		1: {ID: 1, Info: Tree(1, 2, 3)},
		2: {ID: 2, Info: PlayerInfo(4, 5, "blue")},
	}
	cases := []ReliableMessage{
		Connect(),
		Connected("2"),
		Disconnected("2"),
		Text("hello world"),
		State(objs),
	}

	for _, want := range cases {
		enc, err := want.Encode(nil)
		if err != nil {
			t.Fatalf("tag %d: encode: %v", want.Tag, err)
		}
		got, rest, err := DecodeReliableMessage(enc)
		if err != nil {
			t.Fatalf("tag %d: decode: %v", want.Tag, err)
		}
		if len(rest) != 0 {
			t.Fatalf("tag %d: leftover bytes %d", want.Tag, len(rest))
		}
		if got.Tag != want.Tag || got.Text != want.Text || len(got.Objects) != len(want.Objects) {
			t.Fatalf("tag %d: got %+v, want %+v", want.Tag, got, want)
		}
	}
}

func TestReliableMessageUnknownTagFails(t *testing.T) {
	_, _, err := DecodeReliableMessage([]byte{200})
	if err == nil {
		t.Fatal("expected error for unknown reliable tag")
	}
}

// TestReliableMessageMaxLenBoundary pins §6's max_message_len=65534 to an
// exact byte boundary: a Text body that encodes to precisely 65534 bytes
// must succeed, and one byte longer must fail.
func TestReliableMessageMaxLenBoundary(t *testing.T) {
	// tag(1) + len-prefix(2) + body == MaxReliableMessageLen
	bodyLen := MaxReliableMessageLen - 3
	body := strings.Repeat("a", bodyLen)

	enc, err := Text(body).Encode(nil)
	if err != nil {
		t.Fatalf("at boundary: unexpected error: %v", err)
	}
	if len(enc) != MaxReliableMessageLen {
		t.Fatalf("encoded length %d, want %d", len(enc), MaxReliableMessageLen)
	}

	_, err = Text(body + "a").Encode(nil)
	if err == nil {
		t.Fatal("one byte past the boundary: expected error, got nil")
	}
}

func TestObjectRoundTrip(t *testing.T) {
	tree := Object{ID: 1, Info: Tree(10, -10, 0.5)}
	got, rest, err := DecodeObject(tree.Encode(nil))
	if err != nil {
		t.Fatalf("decode tree: %v", err)
	}
	if len(rest) != 0 || got != tree {
		t.Fatalf("got %+v, want %+v", got, tree)
	}

	player := Object{ID: 2, Info: PlayerInfo(1, 2, "green")}
	got, rest, err = DecodeObject(player.Encode(nil))
	if err != nil {
		t.Fatalf("decode player: %v", err)
	}
	if len(rest) != 0 || got != player {
		t.Fatalf("got %+v, want %+v", got, player)
	}
}
