package signature_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"chat-ingest-service/internal/signature"
)

func platformSign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func callbackSign(secret string, canonical []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestPlatformSignature_Valid(t *testing.T) {
	body := []byte(`{"destination":"U1","events":[]}`)
	header := platformSign("secret", body)

	if !signature.ValidPlatformSignature("secret", body, header) {
		t.Fatal("expected valid signature")
	}
}

func TestPlatformSignature_MissingHeaderAlwaysInvalid(t *testing.T) {
	if signature.ValidPlatformSignature("secret", []byte("{}"), "") {
		t.Fatal("missing header must be invalid")
	}
}

func TestPlatformSignature_MutatedBodyRejected(t *testing.T) {
	body := []byte(`{"destination":"U1","events":[]}`)
	header := platformSign("secret", body)

	mutated := []byte(`{"destination":"U2","events":[]}`)
	if signature.ValidPlatformSignature("secret", mutated, header) {
		t.Fatal("mutated body must be rejected")
	}
}

func TestCallbackSignature_SortedKeysCanonicalization(t *testing.T) {
	// Sender signs the sorted-key rendering; the body arrives with keys in
	// a different order and with whitespace.
	canonical := []byte(`{"event":"job.completed","job_id":"j1","user_id":"U1"}`)
	header := callbackSign("cbsecret", canonical)

	body := []byte(`{ "user_id": "U1", "job_id": "j1", "event": "job.completed" }`)
	if !signature.ValidCallbackSignature("cbsecret", body, header) {
		t.Fatal("expected reordered body to verify against sorted-key signature")
	}
}

func TestCallbackSignature_NumberLiteralPreserved(t *testing.T) {
	canonical := []byte(`{"confidence_score":0.7999,"event":"job.completed"}`)
	header := callbackSign("cbsecret", canonical)

	body := []byte(`{"event":"job.completed","confidence_score":0.7999}`)
	if !signature.ValidCallbackSignature("cbsecret", body, header) {
		t.Fatal("numeric literal must survive canonicalization")
	}
}

func TestCallbackSignature_MutatedPayloadRejected(t *testing.T) {
	canonical := []byte(`{"event":"job.completed","job_id":"j1"}`)
	header := callbackSign("cbsecret", canonical)

	body := []byte(`{"event":"job.completed","job_id":"j2"}`)
	if signature.ValidCallbackSignature("cbsecret", body, header) {
		t.Fatal("mutated payload must be rejected")
	}
}

func TestCallbackSignature_InvalidJSONRejected(t *testing.T) {
	if signature.ValidCallbackSignature("cbsecret", []byte("not json"), "sha256=00") {
		t.Fatal("non-JSON body must be rejected")
	}
}

func TestCallbackSignature_AmpersandStaysLiteral(t *testing.T) {
	// The sender's serializer leaves & < > untouched, so the signed bytes
	// contain them literally. Verification must not rewrite them.
	canonical := []byte(`{"error":"AT&T upload failed: size > 10MB","event":"job.failed"}`)
	header := callbackSign("cbsecret", canonical)

	body := []byte(`{"event": "job.failed", "error": "AT&T upload failed: size > 10MB"}`)
	if !signature.ValidCallbackSignature("cbsecret", body, header) {
		t.Fatal("ampersand and angle brackets must stay literal in the signed form")
	}
}

func TestCallbackSignature_NonASCIIEscaped(t *testing.T) {
	// The sender \u-escapes everything above ASCII, lowercase hex.
	canonical := []byte(`{"event":"job.completed","result":{"vendor":"Caf\u00e9 Noir"}}`)
	header := callbackSign("cbsecret", canonical)

	body := []byte(`{"result":{"vendor":"Café Noir"},"event":"job.completed"}`)
	if !signature.ValidCallbackSignature("cbsecret", body, header) {
		t.Fatal("non-ASCII text must verify against the escaped signed form")
	}
}

func TestCanonicalJSON_EscapingMatchesSender(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"html chars literal", `{"error":"a&b<c>d"}`, `{"error":"a&b<c>d"}`},
		{"latin1 escaped", `{"vendor":"Café"}`, `{"vendor":"Caf\u00e9"}`},
		{"bmp escaped", `{"note":"日本"}`, `{"note":"\u65e5\u672c"}`},
		{"surrogate pair", `{"note":"📄"}`, `{"note":"\ud83d\udcc4"}`},
	}
	for _, c := range cases {
		out, err := signature.CanonicalJSON([]byte(c.in))
		if err != nil {
			t.Fatalf("%s: canonicalize: %v", c.name, err)
		}
		if string(out) != c.want {
			t.Fatalf("%s:\n got %s\nwant %s", c.name, out, c.want)
		}
	}
}

func TestCanonicalJSON_NestedSorting(t *testing.T) {
	in := []byte(`{"b":{"z":1,"a":2},"a":[{"y":1,"x":2}]}`)
	out, err := signature.CanonicalJSON(in)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"a":[{"x":2,"y":1}],"b":{"a":2,"z":1}}`
	if string(out) != want {
		t.Fatalf("canonical mismatch:\n got %s\nwant %s", out, want)
	}
}
