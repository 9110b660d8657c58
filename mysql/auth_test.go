package mysql

import (
	"crypto/sha1" //nolint:gosec // test verifies the mysql_native_password formula itself
	"testing"
)

func TestScrambleNative_EmptyPasswordIsEmptyResponse(t *testing.T) {
	got := scrambleNative(nil, []byte("01234567890123456789"))
	if len(got) != 0 {
		t.Fatalf("scrambleNative(nil, ...) = %v, want empty", got)
	}
}

func TestScrambleNative_MatchesReferenceFormula(t *testing.T) {
	password := []byte("s3cr3t")
	authData := []byte("01234567890123456789")

	h1 := sha1.Sum(password) //nolint:gosec
	h2 := sha1.Sum(h1[:])    //nolint:gosec
	h := sha1.New()          //nolint:gosec
	h.Write(authData)
	h.Write(h2[:])
	h3 := h.Sum(nil)
	want := make([]byte, 20)
	for i := range want {
		want[i] = h1[i] ^ h3[i]
	}

	got := scrambleNative(password, authData)
	if string(got) != string(want) {
		t.Fatalf("scrambleNative() = %x, want %x", got, want)
	}
}

func TestScrambleCachingSHA2_Deterministic(t *testing.T) {
	authData := []byte("0123456789012345678")
	a := scrambleCachingSHA2([]byte("hunter2"), authData)
	b := scrambleCachingSHA2([]byte("hunter2"), authData)
	if string(a) != string(b) {
		t.Fatal("scrambleCachingSHA2() is not deterministic for the same inputs")
	}
	c := scrambleCachingSHA2([]byte("different"), authData)
	if string(a) == string(c) {
		t.Fatal("scrambleCachingSHA2() produced the same token for different passwords")
	}
}

func TestParseHandshakeV10(t *testing.T) {
	pkt := buildFakeHandshakePacket("mysql_native_password")
	hs, err := parseHandshakeV10(pkt)
	if err != nil {
		t.Fatalf("parseHandshakeV10() error = %v", err)
	}
	if hs.pluginName != "mysql_native_password" {
		t.Fatalf("pluginName = %q, want mysql_native_password", hs.pluginName)
	}
	if len(hs.authData) != 20 {
		t.Fatalf("authData length = %d, want 20", len(hs.authData))
	}
}

// buildFakeHandshakePacket constructs a minimal Protocol::HandshakeV10
// payload for parser tests.
func buildFakeHandshakePacket(plugin string) []byte {
	var pkt []byte
	pkt = append(pkt, 10) // protocol_version
	pkt = append(pkt, "8.0.99"...)
	pkt = append(pkt, 0) // server_version terminator
	pkt = append(pkt, 1, 0, 0, 0) // connection_id
	pkt = append(pkt, []byte("AUTHDATA")...) // 8-byte auth-plugin-data-1
	pkt = append(pkt, 0)                     // filler
	pkt = append(pkt, 0xff, 0xf7)             // capability flags low (includes CLIENT_PLUGIN_AUTH bit 19? no, low 16 bits only)
	pkt = append(pkt, 0x21)                   // charset
	pkt = append(pkt, 0x02, 0x00)             // status flags
	pkt = append(pkt, 0x08, 0x00)             // capability flags high (bit 19 -> bit 3 of high word = CLIENT_PLUGIN_AUTH)
	pkt = append(pkt, 21)                  // auth_plugin_data_len
	pkt = append(pkt, make([]byte, 10)...) // reserved
	part2 := append([]byte("012345678901"), 0) // 12 filler bytes + null terminator, 13 bytes total
	pkt = append(pkt, part2...)
	pkt = append(pkt, plugin...)
	pkt = append(pkt, 0)
	return pkt
}
