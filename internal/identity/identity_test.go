package identity

import "testing"

func TestPeerHashID_Deterministic(t *testing.T) {
	a := PeerHashID("185.1.2.3", 65000)
	b := PeerHashID("185.1.2.3", 65000)
	if a != b {
		t.Fatalf("same peer produced different hash_ids: %s vs %s", a, b)
	}
}

func TestPeerHashID_DistinguishesAddrAndASN(t *testing.T) {
	base := PeerHashID("185.1.2.3", 65000)
	if PeerHashID("185.1.2.4", 65000) == base {
		t.Error("different peer_addr should change hash_id")
	}
	if PeerHashID("185.1.2.3", 65001) == base {
		t.Error("different peer_asn should change hash_id")
	}
	// The separator must keep (addr, asn) unambiguous.
	if PeerHashID("185.1.2.36", 5000) == PeerHashID("185.1.2.3", 65000) {
		t.Error("concatenation ambiguity between addr and asn")
	}
}

func TestBaseAttrsHashID_Deterministic(t *testing.T) {
	path := []int64{65000, 64513}
	a := BaseAttrsHashID(path, 64513, "1.2.3.4")
	b := BaseAttrsHashID(path, 64513, "1.2.3.4")
	if a != b {
		t.Fatalf("same attrs produced different hash_ids: %s vs %s", a, b)
	}
}

func TestBaseAttrsHashID_SensitiveToEachField(t *testing.T) {
	base := BaseAttrsHashID([]int64{65000, 64513}, 64513, "1.2.3.4")

	if BaseAttrsHashID([]int64{65000, 64514}, 64513, "1.2.3.4") == base {
		t.Error("different as_path should change hash_id")
	}
	if BaseAttrsHashID([]int64{65000, 64513}, 64514, "1.2.3.4") == base {
		t.Error("different origin_as should change hash_id")
	}
	if BaseAttrsHashID([]int64{65000, 64513}, 64513, "") == base {
		t.Error("missing next_hop should change hash_id")
	}
}

func TestBaseAttrsHashID_EmptyPath(t *testing.T) {
	a := BaseAttrsHashID(nil, 65000, "")
	b := BaseAttrsHashID([]int64{}, 65000, "")
	if a != b {
		t.Error("nil and empty path should hash identically")
	}
}
