package similarity

// turkishStopWords are dropped before hashing or comparing titles. They are
// listed in their natural spelling and folded through the same pipeline as
// titles at init, so "için" and "icin" both match.
var turkishStopWords = []string{
	"bir", "bu", "şu", "o", "ve", "ile", "için", "de", "da", "den", "dan",
	"mi", "mı", "mu", "mü", "ne", "nasıl", "neden", "ama", "fakat", "ancak",
	"gibi", "kadar", "daha", "en", "çok", "az", "her", "bazı", "tüm", "bütün",
	"olan", "olarak", "ise", "ki", "ya", "veya", "hem", "artık", "hala", "henüz",
	"sadece", "yalnızca", "bile", "çünkü", "zira", "eğer", "şayet", "madem",
	"yani", "mesela", "örneğin", "ayrıca", "üstelik", "dahası", "hatta",
	"sonra", "önce", "şimdi", "bugün", "dün", "yarın", "haber", "son", "dakika",
	// Auxiliary and light verbs carry tense, not topic.
	"oldu", "olur", "oluyor", "etti", "ediyor", "edildi", "geçti", "yaptı",
}

var stopWords = func() map[string]struct{} {
	m := make(map[string]struct{}, len(turkishStopWords))
	for _, w := range turkishStopWords {
		m[fold(w)] = struct{}{}
	}
	return m
}()

// IsStopWord reports whether a folded token is ignored for comparison.
func IsStopWord(token string) bool {
	_, ok := stopWords[token]
	return ok
}
