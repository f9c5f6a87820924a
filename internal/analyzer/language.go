package analyzer

import (
	"sort"
	"strings"
	"unicode"
)

var (
	portugueseMarks = []string{"ão", "ç", "ã", "õ", "ê", "ô", "â"}
	spanishMarks    = []string{"ñ", "¿", "¡"}

	portugueseWords = wordSet("não sim são está estão você vocês também muito mais menos como quando onde porque " +
		"fazer dizer ter ser estar poder querer na no nas nos da do das dos uma um em obrigado olá")
	spanishWords = wordSet("gustaría gusta gustan estoy estás estamos están tú usted ustedes muy más cómo cuándo " +
		"dónde hacer decir tener necesito necesitas necesita del las los una el la con para hola gracias pero")
	englishWords = wordSet("the is are was were this that these those have has had will would could should can " +
		"and but or not with from about into onto you your they their them what when where why how hello")

	stopWords = wordSet("the this that these those have with from about into what when where which there their " +
		"them they your yours will would could should hello please thanks thank just very much more some")
)

func wordSet(list string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(list) {
		set[w] = struct{}{}
	}
	return set
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
}

// DetectLanguage scores the text against small word lists. Language specific
// characters decide immediately; otherwise the best score wins when it passes
// a minimum, and English is the default.
func DetectLanguage(text string) Language {
	for _, m := range portugueseMarks {
		if strings.Contains(text, m) {
			return LanguagePortuguese
		}
	}
	for _, m := range spanishMarks {
		if strings.Contains(text, m) {
			return LanguageSpanish
		}
	}

	var pt, es, en int
	for _, w := range words(text) {
		if _, ok := portugueseWords[w]; ok {
			pt += 2
		}
		if _, ok := spanishWords[w]; ok {
			es += 2
		}
		if _, ok := englishWords[w]; ok {
			en += 2
		}
	}

	best := max(pt, es, en)
	switch {
	case en == best && en >= 2:
		return LanguageEnglish
	case pt == best && pt >= 3:
		return LanguagePortuguese
	case es == best && es >= 2:
		return LanguageSpanish
	}
	return LanguageEnglish
}

// ExtractSubject returns the most frequent content word (four letters or
// more, not a stop word). Ties go to the word seen first.
func ExtractSubject(text string) string {
	counts := make(map[string]int)
	first := make(map[string]int)
	for i, w := range words(text) {
		if len([]rune(w)) < 4 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, seen := first[w]; !seen {
			first[w] = i
		}
		counts[w]++
	}
	if len(counts) == 0 {
		return ""
	}
	candidates := make([]string, 0, len(counts))
	for w := range counts {
		candidates = append(candidates, w)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if counts[a] != counts[b] {
			return counts[a] > counts[b]
		}
		return first[a] < first[b]
	})
	return candidates[0]
}
