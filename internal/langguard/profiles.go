package langguard

// Function-word profiles. Words are matched after NFC normalisation and Unicode
// case folding, so accents matter but case does not. A word may belong to more
// than one profile; its weight is then split between them.
var builtinProfiles = map[string][]string{
	"en": {
		"the", "a", "an", "and", "or", "but", "of", "to", "in", "on", "at", "for",
		"with", "from", "by", "about", "is", "are", "was", "were", "be", "been",
		"have", "has", "had", "do", "does", "did", "not", "it", "this", "that",
		"these", "those", "i", "you", "he", "she", "we", "they", "my", "your",
		"his", "her", "our", "their", "what", "how", "when", "where", "why", "who",
		"which", "can", "will", "would", "there", "here", "very", "also", "let",
		"if", "so", "than", "then", "just",
	},
	"es": {
		"el", "la", "los", "las", "un", "una", "unos", "unas", "y", "o", "pero",
		"que", "de", "del", "en", "con", "por", "para", "a", "al", "es", "son",
		"está", "están", "fue", "muy", "también", "no", "sí", "yo", "tú", "él",
		"ella", "nosotros", "ellos", "ellas", "mi", "tu", "su", "sus", "me", "te",
		"se", "nos", "le", "lo", "les", "como", "cuando", "donde", "porque", "qué",
		"cómo", "dónde", "este", "esta", "eso", "hay", "ya", "más", "sin", "sobre",
		"entre", "hasta", "desde",
	},
	"fr": {
		"le", "la", "les", "un", "une", "des", "du", "de", "et", "ou", "mais",
		"que", "qui", "est", "sont", "être", "avoir", "pas", "ne", "je", "tu", "il",
		"elle", "nous", "vous", "ils", "elles", "mon", "ton", "son", "ma", "ta",
		"sa", "mes", "tes", "ses", "ce", "cette", "ces", "dans", "sur", "avec",
		"pour", "par", "en", "au", "aux", "très", "aussi", "comment", "où", "quand",
		"pourquoi", "y", "c", "j", "l", "d", "qu", "non",
	},
	"de": {
		"der", "die", "das", "den", "dem", "des", "ein", "eine", "einen", "einem",
		"einer", "und", "oder", "aber", "ist", "sind", "war", "waren", "nicht",
		"ich", "du", "er", "sie", "es", "wir", "ihr", "mein", "dein", "sein", "mit",
		"von", "zu", "auf", "für", "im", "in", "an", "bei", "nach", "aus", "auch",
		"sehr", "wie", "was", "wo", "wann", "warum", "dass", "noch", "schon", "hat",
		"haben", "wird", "kein", "keine",
	},
	"it": {
		"il", "lo", "la", "i", "gli", "le", "un", "uno", "una", "e", "ed", "o",
		"ma", "che", "di", "del", "della", "dei", "delle", "da", "in", "con", "su",
		"per", "tra", "fra", "non", "è", "sono", "era", "io", "tu", "lui", "lei",
		"noi", "voi", "loro", "mio", "tuo", "suo", "mia", "tua", "sua", "come",
		"quando", "dove", "perché", "anche", "molto", "questo", "questa", "quello",
		"ci", "si", "mi", "ti", "ha", "hanno", "al", "nel", "nella", "sul", "a", "l",
		"d",
	},
	"pt": {
		"o", "a", "os", "as", "um", "uma", "uns", "umas", "e", "ou", "mas", "que",
		"de", "do", "da", "dos", "das", "em", "no", "na", "nos", "nas", "com",
		"por", "para", "pelo", "pela", "é", "são", "está", "estão", "foi", "não",
		"sim", "eu", "tu", "você", "ele", "ela", "nós", "eles", "elas", "meu",
		"minha", "seu", "sua", "como", "quando", "onde", "porque", "também",
		"muito", "este", "esta", "isso", "isto", "há", "já", "mais", "sem", "sobre",
		"entre", "até", "ao",
	},
	"la": {
		"et", "in", "est", "non", "cum", "ad", "sed", "ut", "ex", "de", "quod",
		"qui", "quae", "quam", "enim", "autem", "atque", "ac", "nec", "neque",
		"per", "sunt", "esse", "erat", "sub", "ab", "eius", "hic", "haec", "hoc",
		"ille", "illa", "iam", "tum", "nam", "vel", "si", "nisi", "post", "ante",
		"inter", "apud", "sine", "pro", "etiam", "tamen", "igitur", "ergo", "quia",
		"dum",
	},
}
