package contacts

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// banglishPairs maps romanized Bengali (Banglish) to Bengali script. Order
// matters for the reverse direction: the last Banglish spelling listed for a
// Bengali word is the one produced by ToBanglish.
var banglishPairs = [][2]string{
	{"ek", "এক"}, {"1", "১"}, {"ak", "এক"},
	{"dui", "দুই"}, {"2", "২"}, {"du", "দুই"},
	{"tin", "তিন"}, {"3", "৩"}, {"teen", "তিন"},
	{"char", "চার"}, {"4", "৪"}, {"chaar", "চার"},
	{"panch", "পাঁচ"}, {"5", "৫"}, {"pach", "পাঁচ"},
	{"choy", "ছয়"}, {"6", "৬"}, {"choi", "ছয়"},
	{"saat", "সাত"}, {"7", "৭"}, {"sat", "সাত"},
	{"aat", "আট"}, {"8", "৮"}, {"at", "আট"},
	{"noy", "নয়"}, {"9", "৯"}, {"noi", "নয়"},
	{"dosh", "দশ"}, {"10", "১০"}, {"dos", "দশ"},

	{"mirpur", "মিরপুর"}, {"dhanmondi", "ধানমন্ডি"}, {"gulshan", "গুলশান"},
	{"uttara", "উত্তরা"}, {"bashundhara", "বসুন্ধরা"}, {"mohakhali", "মহাখালী"},
	{"tejgaon", "তেজগাঁও"}, {"panthapath", "পান্থপথ"}, {"farmgate", "ফার্মগেট"},
	{"newmarket", "নিউমার্কেট"}, {"ramna", "রমনা"}, {"banani", "বনানী"},
	{"badda", "বাড্ডা"}, {"rampura", "রামপুরা"}, {"motijheel", "মতিঝিল"},
	{"paltan", "পল্টন"}, {"sadarghat", "সদরঘাট"}, {"old dhaka", "পুরান ঢাকা"},
	{"shantinagar", "শান্তিনগর"}, {"malibagh", "মালিবাগ"}, {"khilgaon", "খিলগাঁও"},
	{"wari", "ওয়ারী"}, {"lalbagh", "লালবাগ"}, {"azimpur", "আজিমপুর"},

	{"dekha", "দেখা"}, {"hoiche", "হয়েছে"}, {"hoychilo", "হয়েছিল"}, {"hoyse", "হয়েছে"},
	{"korse", "করেছে"}, {"korchilo", "করেছিল"}, {"ache", "আছে"}, {"chilo", "ছিল"},
	{"jaibo", "যাবো"}, {"jabe", "যাবে"}, {"giyechilo", "গিয়েছিল"}, {"gese", "গেছে"},
	{"ashe", "আসে"}, {"asche", "আসছে"}, {"ashchilo", "আসছিল"}, {"esechilo", "এসেছিল"},
	{"bole", "বলে"}, {"bolchilo", "বলেছিল"}, {"bolse", "বলেছে"}, {"bolche", "বলছে"},
	{"khabe", "খাবে"}, {"kheyse", "খেয়েছে"}, {"khachilo", "খাচ্ছিল"}, {"khaiche", "খাইছে"},
	{"pore", "পরে"}, {"age", "আগে"}, {"ekhon", "এখন"}, {"tokhon", "তখন"},
	{"kothay", "কোথায়"}, {"kemon", "কেমন"}, {"keno", "কেন"}, {"ki", "কি"},
	{"tumi", "তুমি"}, {"ami", "আমি"}, {"se", "সে"}, {"tara", "তারা"}, {"amra", "আমরা"},
	{"office", "অফিস"}, {"basha", "বাসা"}, {"bari", "বাড়ি"}, {"school", "স্কুল"},
	{"college", "কলেজ"}, {"university", "বিশ্ববিদ্যালয়"}, {"market", "বাজার"},
	{"hospital", "হাসপাতাল"}, {"bank", "ব্যাংক"}, {"restaurant", "রেস্তোরাঁ"},
	{"friend", "বন্ধু"}, {"bondhu", "বন্ধু"}, {"family", "পরিবার"}, {"poribar", "পরিবার"},
	{"office e", "অফিসে"}, {"bashay", "বাসায়"}, {"barite", "বাড়িতে"}, {"schoole", "স্কুলে"},
	{"take", "নিতে"}, {"nite", "নিতে"}, {"dite", "দিতে"}, {"korte", "করতে"},
	{"khete", "খেতে"}, {"jete", "যেতে"}, {"ashte", "আসতে"}, {"dekhte", "দেখতে"},
	{"phone", "ফোন"}, {"call", "কল"}, {"message", "মেসেজ"}, {"text", "টেক্সট"},
	{"work", "কাজ"}, {"kaj", "কাজ"}, {"chakri", "চাকরি"}, {"business", "ব্যবসা"},
	{"poisha", "পয়সা"}, {"money", "টাকা"}, {"taka", "টাকা"}, {"dam", "দাম"},
	{"time", "সময়"}, {"shomoy", "সময়"}, {"din", "দিন"}, {"rat", "রাত"},
	{"shokal", "সকাল"}, {"bikal", "বিকাল"}, {"shondhya", "সন্ধ্যা"}, {"dupure", "দুপুরে"},
	{"khub", "খুব"}, {"bhalo", "ভাল"}, {"kharap", "খারাপ"}, {"shundor", "সুন্দর"},
	{"problem", "সমস্যা"}, {"shomoshya", "সমস্যা"}, {"help", "সাহায্য"}, {"shahajjo", "সাহায্য"},
	{"please", "প্লিজ"}, {"sorry", "সরি"}, {"thanks", "ধন্যবাদ"}, {"dhonnobad", "ধন্যবাদ"},
	{"mama", "মামা"}, {"chacha", "চাচা"}, {"khala", "খালা"}, {"fupu", "ফুপু"},
	{"nana", "নানা"}, {"nani", "নানী"}, {"dada", "দাদা"}, {"dadi", "দাদী"},
	{"vai", "ভাই"}, {"bhai", "ভাই"}, {"apu", "আপু"}, {"bon", "বোন"}, {"mama bhai", "মামা ভাই"},
	{"khala moni", "খালা মনি"}, {"chacha mia", "চাচা মিয়া"}, {"fupu amma", "ফুপু আম্মা"},
	{"amma", "আম্মা"}, {"abbu", "আব্বু"}, {"ma", "মা"}, {"baba", "বাবা"},
	{"nana bhai", "নানা ভাই"}, {"nani ma", "নানী মা"},
	{"dada bhai", "দাদা ভাই"}, {"dadi ma", "দাদী মা"}, {"mama ji", "মামা জি"},
	{"chacha ji", "চাচা জি"}, {"khala ji", "খালা জি"}, {"fupu ji", "ফুপু জি"},
	{"apa", "আপা"}, {"apni", "আপনি"}, {"apnara", "আপনারা"},
	{"shobai", "সবাই"}, {"keu", "কেউ"}, {"kono", "কোনো"}, {"kichu", "কিছু"},
	{"shobi", "সবই"}, {"shob", "সব"}, {"onek", "অনেক"}, {"ektu", "একটু"},
	{"boro", "বড়"}, {"choto", "ছোট"}, {"lomba", "লম্বা"}, {"khato", "খাটো"},
	{"motka", "মোটকা"}, {"chikon", "চিকন"}, {"ghono", "ঘন"}, {"patla", "পাতলা"},
	{"gach", "গাছ"}, {"pani", "পানি"}, {"batash", "বাতাস"}, {"alo", "আলো"},
	{"andhokar", "অন্ধকার"}, {"roddur", "রোদ্দুর"}, {"brishti", "বৃষ্টি"}, {"megh", "মেঘ"},
	{"akash", "আকাশ"}, {"mati", "মাটি"}, {"pata", "পাতা"}, {"ful", "ফুল"},
}

var translit struct {
	once     sync.Once
	toBangla map[string]string
	banglaRe *regexp.Regexp
	toRoman  *strings.Replacer
}

func initTranslit() {
	translit.toBangla = make(map[string]string, len(banglishPairs))
	reverse := make(map[string]string, len(banglishPairs))
	for _, pair := range banglishPairs {
		bangla := norm.NFC.String(pair[1])
		translit.toBangla[pair[0]] = bangla
		reverse[bangla] = pair[0]
	}

	roman := make([]string, 0, len(translit.toBangla))
	for k := range translit.toBangla {
		roman = append(roman, k)
	}
	sortLongestFirst(roman)
	quoted := make([]string, len(roman))
	for i, k := range roman {
		quoted[i] = regexp.QuoteMeta(k)
	}
	translit.banglaRe = regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)

	bangla := make([]string, 0, len(reverse))
	for k := range reverse {
		bangla = append(bangla, k)
	}
	sortLongestFirst(bangla)
	args := make([]string, 0, len(bangla)*2)
	for _, k := range bangla {
		args = append(args, k, reverse[k])
	}
	translit.toRoman = strings.NewReplacer(args...)
}

// ToBangla rewrites known Banglish words and phrases into Bengali script,
// longest phrase first.
func ToBangla(text string) string {
	translit.once.Do(initTranslit)
	return translit.banglaRe.ReplaceAllStringFunc(text, func(m string) string {
		if v, ok := translit.toBangla[strings.ToLower(m)]; ok {
			return v
		}
		return m
	})
}

// ToBanglish rewrites known Bengali words into their romanized spelling.
func ToBanglish(text string) string {
	translit.once.Do(initTranslit)
	return translit.toRoman.Replace(text)
}

func sortLongestFirst(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
}
