// Package data reads Penn Treebank style corpora, builds the word vocabulary
// and batches token streams for the language models.
package data

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/dlclark/regexp2"
)

const (
	// EOS marks the end of every corpus line.
	EOS = "<eos>"
	// Unknown replaces out of vocabulary words when the vocabulary has it.
	Unknown = "<unk>"
)

// wordPattern matches one whitespace delimited word.
var wordPattern = regexp2.MustCompile(`\S+`, regexp2.None)

// Vocab maps words to ids and back.
type Vocab struct {
	words []string
	ids   map[string]int32
}

func newVocab(words []string) (*Vocab, error) {
	v := &Vocab{words: words, ids: make(map[string]int32, len(words))}
	for i, w := range words {
		if _, dup := v.ids[w]; dup {
			return nil, fmt.Errorf("duplicate vocabulary word %q", w)
		}
		v.ids[w] = int32(i)
	}
	return v, nil
}

// BuildVocab orders the distinct words by descending count, then alphabetically.
func BuildVocab(words []string) *Vocab {
	counts := make(map[string]int)
	for _, w := range words {
		counts[w]++
	}
	distinct := make([]string, 0, len(counts))
	for w := range counts {
		distinct = append(distinct, w)
	}
	sort.Slice(distinct, func(i, j int) bool {
		a, b := distinct[i], distinct[j]
		if counts[a] != counts[b] {
			return counts[a] > counts[b]
		}
		return a < b
	})
	v, _ := newVocab(distinct)
	return v
}

// Size returns the number of words.
func (v *Vocab) Size() int {
	return len(v.words)
}

// ID returns the id of word.
func (v *Vocab) ID(word string) (int32, bool) {
	id, ok := v.ids[word]
	return id, ok
}

// Word returns the word with the given id.
func (v *Vocab) Word(id int32) (string, error) {
	if id < 0 || int(id) >= len(v.words) {
		return "", fmt.Errorf("token %d outside vocabulary of %d", id, len(v.words))
	}
	return v.words[id], nil
}

// Encode maps words to ids. Words outside the vocabulary become Unknown, or
// are dropped when the vocabulary has no Unknown entry.
func (v *Vocab) Encode(words []string) []int32 {
	unk, hasUnk := v.ids[Unknown]
	ids := make([]int32, 0, len(words))
	for _, w := range words {
		if id, ok := v.ids[w]; ok {
			ids = append(ids, id)
		} else if hasUnk {
			ids = append(ids, unk)
		}
	}
	return ids
}

// Decode maps ids back to words.
func (v *Vocab) Decode(ids []int32) ([]string, error) {
	words := make([]string, len(ids))
	for i, id := range ids {
		w, err := v.Word(id)
		if err != nil {
			return nil, err
		}
		words[i] = w
	}
	return words, nil
}

// Words splits r into words, appending EOS after every line.
func Words(r io.Reader) ([]string, error) {
	var words []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		m, err := wordPattern.FindStringMatch(scanner.Text())
		for ; m != nil && err == nil; m, err = wordPattern.FindNextMatch(m) {
			words = append(words, m.String())
		}
		if err != nil {
			return nil, err
		}
		words = append(words, EOS)
	}
	return words, scanner.Err()
}

func readWords(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Words(f)
}

// Corpus is an encoded train/valid/test split sharing one vocabulary.
type Corpus struct {
	Vocab *Vocab
	Train []int32
	Valid []int32
	Test  []int32
}

// LoadPTB reads ptb.train.txt, ptb.valid.txt and ptb.test.txt from dir. The
// vocabulary is built from the training split.
func LoadPTB(dir string) (*Corpus, error) {
	trainWords, err := readWords(filepath.Join(dir, "ptb.train.txt"))
	if err != nil {
		return nil, fmt.Errorf("failed to read training split: %w", err)
	}
	vocab := BuildVocab(trainWords)
	c := &Corpus{Vocab: vocab, Train: vocab.Encode(trainWords)}
	for name, dst := range map[string]*[]int32{"ptb.valid.txt": &c.Valid, "ptb.test.txt": &c.Test} {
		words, err := readWords(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		*dst = vocab.Encode(words)
	}
	return c, nil
}
