package packet

import "testing"

func TestHeaderSizeCombinations(t *testing.T) {
	cases := []struct {
		prop       Property
		fragmented bool
		want       int
	}{
		{Ping, false, 1},
		{ConnectRequest, false, 1},
		{Merged, false, 1},
		{Unreliable, false, 4},
		{Sequenced, false, 4},
		{ReliableUnordered, false, 4},
		{ReliableOrdered, false, 4},
		{Ack, false, 4},
		{ReliableOrdered, true, 10},
		{Sequenced, true, 10},
		{Unreliable, true, 10},
	}
	for _, c := range cases {
		got := HeaderSize(c.prop, c.fragmented)
		if got != c.want {
			t.Errorf("HeaderSize(%s, %v) = %d, want %d", c.prop, c.fragmented, got, c.want)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for prop := Property(0); prop < propertyCount; prop++ {
		for _, frag := range []bool{false, true} {
			pkt := &Packet{
				Property:       prop,
				Channel:        7,
				SequenceNumber: 12345,
				IsFragmented:   frag && IsFragmentable(prop),
				FragmentID:     99,
				FragmentPart:   1,
				FragmentsTotal: 4,
			}
			payload := []byte{1, 2, 3, 4, 5}
			pkt.Encode(payload)

			got := &Packet{}
			if err := Decode(got, pkt.Buf, 0, len(pkt.Buf)); err != nil {
				t.Fatalf("property %s fragmented=%v: decode failed: %v", prop, frag, err)
			}
			if got.Property != prop {
				t.Errorf("property round-trip: got %s want %s", got.Property, prop)
			}
			if HasSequence(prop) && got.SequenceNumber != pkt.SequenceNumber {
				t.Errorf("sequence round-trip: got %d want %d", got.SequenceNumber, pkt.SequenceNumber)
			}
			if IsChannelScoped(prop) && got.Channel != pkt.Channel {
				t.Errorf("channel round-trip: got %d want %d", got.Channel, pkt.Channel)
			}
			if got.IsFragmented != pkt.IsFragmented {
				t.Errorf("fragmented flag round-trip: got %v want %v", got.IsFragmented, pkt.IsFragmented)
			}
			if string(got.Data()) != string(payload) {
				t.Errorf("payload round-trip: got %v want %v", got.Data(), payload)
			}
		}
	}
}

func TestDecodeUnknownProperty(t *testing.T) {
	buf := []byte{0x1F} // low 5 bits = 31, beyond propertyCount
	pkt := &Packet{}
	if err := Decode(pkt, buf, 0, len(buf)); err != ErrUnknownProperty {
		t.Errorf("expected ErrUnknownProperty, got %v", err)
	}
}

func TestDecodeTooShort(t *testing.T) {
	buf := []byte{byte(Sequenced)} // declares a sequence number but has none
	pkt := &Packet{}
	if err := Decode(pkt, buf, 0, len(buf)); err != ErrTooShort {
		t.Errorf("expected ErrTooShort, got %v", err)
	}
}

func TestDecodeBadFragment(t *testing.T) {
	pkt := &Packet{Property: Unreliable, IsFragmented: true, FragmentPart: 3, FragmentsTotal: 3}
	pkt.Encode([]byte("x"))

	out := &Packet{}
	if err := Decode(out, pkt.Buf, 0, len(pkt.Buf)); err != ErrBadFragment {
		t.Errorf("expected ErrBadFragment, got %v", err)
	}
}

func TestSeqDiffAndGreater(t *testing.T) {
	if !SeqGreater(1, 0) {
		t.Error("1 should be greater than 0")
	}
	if SeqGreater(0, 1) {
		t.Error("0 should not be greater than 1")
	}
	// wraparound at the 15-bit boundary
	if !SeqGreater(0, SeqModulus-1) {
		t.Error("0 should be greater than SeqModulus-1 (wraparound)")
	}
	if SeqDiff(5, 5) != 0 {
		t.Errorf("SeqDiff(5,5) = %d, want 0", SeqDiff(5, 5))
	}
}

func TestSeqAddWraps(t *testing.T) {
	got := SeqAdd(SeqModulus-1, 1)
	if got != 0 {
		t.Errorf("SeqAdd wraparound: got %d, want 0", got)
	}
}
