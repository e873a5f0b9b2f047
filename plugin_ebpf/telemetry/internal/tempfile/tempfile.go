/*
 * @Author: CALM.WU
 * @Date: 2024-03-08 09:51:16
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-08 10:37:02
 */

// Package tempfile creates uniquely named files that are removed when closed.
package tempfile

import (
	"os"
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// File is a scoped temporary file. The zero value is not usable, use New.
type File struct {
	path string
	once sync.Once
}

// New creates a file named prefix plus a random suffix in the default temp
// directory. When text is not empty it is written to the file.
func New(prefix, text string) (*File, error) {
	return NewIn("", prefix, text)
}

// NewIn is New with an explicit directory.
func NewIn(dir, prefix, text string) (*File, error) {
	f, err := os.CreateTemp(dir, prefix+"*")
	if err != nil {
		return nil, errors.Wrapf(err, "create temp file with prefix '%s'", prefix)
	}
	defer f.Close()

	if text != "" {
		if _, err = f.WriteString(text); err != nil {
			_ = os.Remove(f.Name())
			return nil, errors.Wrapf(err, "write temp file %s", f.Name())
		}
	}

	return &File{path: f.Name()}, nil
}

// Path returns the file name chosen at creation.
func (tf *File) Path() string {
	return tf.path
}

// Close removes the file. Removal errors are logged, further calls do nothing.
func (tf *File) Close() {
	tf.once.Do(func() {
		if err := os.Remove(tf.path); err != nil {
			glog.Errorf("remove temp file '%s' failed. err:%s", tf.path, err.Error())
		}
	})
}
