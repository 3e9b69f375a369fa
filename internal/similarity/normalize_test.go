package similarity

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Dolar yükseldi, piyasalar çalkantılı!", "dolar yukseldi piyasalar calkantili"},
		{"İSTANBUL'da TRAFİK", "istanbul trafik"},
		{"Bu bir test ve bu da başka", "test baska"},
		{"  son dakika: ŞOK gelişme  ", "sok gelisme"},
		{"Çok güzel ağaçlar için", "guzel agaclar"},
		{"a b cd", ""},
		{"", ""},
		{"go_lang 2024 sürümü", "go_lang 2024 surumu"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"Dolar yükseldi, piyasalar çalkantılı",
		"IŞIK hızında İnternet!!! (yeni)",
		"Ünlü şarkıcı ÖLDÜ mü? Hayır...",
		"ΣΑΣ Ελληνικά γράμματα",
		"emoji 🚀 roket fırlatıldı",
		"tab\tve\nnewline karışık ___ alt_çizgi",
		"ı i İ I",
		"café naïve résumé",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Fatalf("not idempotent for %q: %q -> %q", in, once, twice)
		}
	}
}

func TestHash_StableAcrossSurfaceForms(t *testing.T) {
	a := Hash("Dolar YÜKSELDİ!")
	b := Hash("dolar yukseldi")
	if a != b {
		t.Fatalf("expected equal hashes, got %s and %s", a, b)
	}
	if len(a) != hashLength {
		t.Fatalf("hash length = %d, want %d", len(a), hashLength)
	}
	if Hash("dolar düştü") == a {
		t.Fatal("different titles hashed equal")
	}
}

func TestSlug(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Dolar yükseldi, piyasalar çalkantılı", "dolar-yukseldi-piyasalar-calkantili"},
		{"go_lang sürümü", "go-lang-surumu"},
		{"Ελληνικά", ""},
		{"bu ve de", ""},
	}
	for _, tc := range cases {
		got := Slug(tc.in)
		if got != tc.want {
			t.Fatalf("Slug(%q) = %q, want %q", tc.in, got, tc.want)
		}
		if strings.HasPrefix(got, "-") || strings.HasSuffix(got, "-") || strings.Contains(got, "--") {
			t.Fatalf("malformed slug %q", got)
		}
	}
}

func TestIsStopWord_FoldedForms(t *testing.T) {
	for _, w := range []string{"icin", "nasil", "cunku", "gecti"} {
		if !IsStopWord(w) {
			t.Fatalf("expected %q to be a stop-word", w)
		}
	}
	if IsStopWord("dolar") {
		t.Fatal("dolar is not a stop-word")
	}
}
