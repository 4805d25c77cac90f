package data

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Int32ByteLen is the size of one token in a binary token file.
const Int32ByteLen = 4

const (
	vocabFile = "vocab.txt"
	trainFile = "train.bin"
	validFile = "valid.bin"
	testFile  = "test.bin"
)

// ReadTokens reads a little endian int32 token file.
func ReadTokens(filename string) ([]int32, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	if len(data)%Int32ByteLen != 0 {
		return nil, fmt.Errorf("token file %s has %d bytes, not a multiple of %d", filename, len(data), Int32ByteLen)
	}
	tokens := make([]int32, len(data)/Int32ByteLen)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// WriteTokens writes tokens as a little endian int32 token file.
func WriteTokens(filename string, tokens []int32) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, tokens); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteCache stores the vocabulary (one word per line, in id order) and the
// three encoded splits in dir.
func (c *Corpus) WriteCache(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := WriteVocab(filepath.Join(dir, vocabFile), c.Vocab); err != nil {
		return err
	}
	for name, tokens := range map[string][]int32{trainFile: c.Train, validFile: c.Valid, testFile: c.Test} {
		if err := WriteTokens(filepath.Join(dir, name), tokens); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}

// ReadCache loads a corpus written by WriteCache.
func ReadCache(dir string) (*Corpus, error) {
	vocab, err := ReadVocab(filepath.Join(dir, vocabFile))
	if err != nil {
		return nil, err
	}
	c := &Corpus{Vocab: vocab}
	for name, dst := range map[string]*[]int32{trainFile: &c.Train, validFile: &c.Valid, testFile: &c.Test} {
		tokens, err := ReadTokens(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		for _, tok := range tokens {
			if tok < 0 || int(tok) >= vocab.Size() {
				return nil, fmt.Errorf("%s holds token %d outside vocabulary of %d", name, tok, vocab.Size())
			}
		}
		*dst = tokens
	}
	return c, nil
}

// HasCache reports whether dir holds a cache written by WriteCache.
func HasCache(dir string) bool {
	for _, name := range []string{vocabFile, trainFile, validFile, testFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

// WriteVocab writes one word per line in id order.
func WriteVocab(filename string, v *Vocab) error {
	return os.WriteFile(filename, []byte(strings.Join(v.words, "\n")+"\n"), 0o644)
}

// ReadVocab reads a vocabulary written by WriteVocab.
func ReadVocab(filename string) (*Vocab, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	words := strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
	if len(words) == 0 || words[0] == "" {
		return nil, errors.New("empty vocabulary file")
	}
	return newVocab(words)
}
