package main

import (
	"bytes"
	"encoding/gob"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// marshalGobSnappy gob-encodes v into a snappy-framed buffer.
func marshalGobSnappy(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeGobSnappy(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeGobSnappy(w io.Writer, v interface{}) error {
	sw := snappy.NewBufferedWriter(w)
	if err := gob.NewEncoder(sw).Encode(v); err != nil {
		return errors.Wrap(err, "gob encode")
	}
	return errors.Wrap(sw.Close(), "snappy flush")
}

func decodeGobSnappy(r io.Reader, v interface{}) error {
	if err := gob.NewDecoder(snappy.NewReader(r)).Decode(v); err != nil {
		return errors.Wrap(err, "gob decode")
	}
	return nil
}

// readGobSnappyFile decodes the file at path into v.
func readGobSnappyFile(fs afero.Fs, path string, v interface{}) error {
	f, err := fs.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return errors.Wrapf(decodeGobSnappy(f, v), "reading %s", path)
}

// writeFileAtomic replaces path with data. Readers see either the old
// file or the new one, never a partial write.
func writeFileAtomic(fs afero.Fs, path string, data []byte) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "creating %s", filepath.Dir(path))
	}

	tmp := path + ".tmp"
	f, err := fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating %s", tmp)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "syncing %s", tmp)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", tmp)
	}
	return errors.Wrapf(fs.Rename(tmp, path), "renaming %s", tmp)
}
