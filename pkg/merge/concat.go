/*
Copyright 2024 The Flowmerge Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package merge

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/flowmerge/flowmerge/pkg/flowunit"
	sharedexpr "github.com/flowmerge/flowmerge/pkg/shared/expr"
	"github.com/flowmerge/flowmerge/pkg/shared/idgen"
)

// concatMerger concatenates member contents with an optional header,
// inter-member demarcator and footer. Delimiters are resolved once using the
// first member's attributes.
type concatMerger struct {
	cfg      *Config
	sess     flowunit.Session
	ids      idgen.Generator
	mimeType string
}

func newConcatMerger(cfg *Config, sess flowunit.Session, ids idgen.Generator) *concatMerger {
	return &concatMerger{cfg: cfg, sess: sess, ids: ids, mimeType: "application/octet-stream"}
}

func (c *concatMerger) merge(_ context.Context, members []*flowunit.Unit) (*flowunit.Unit, error) {
	header, err := c.delimiter(c.cfg.Header, members[0])
	if err != nil {
		return nil, err
	}
	demarcator, err := c.delimiter(c.cfg.Demarcator, members[0])
	if err != nil {
		return nil, err
	}
	footer, err := c.delimiter(c.cfg.Footer, members[0])
	if err != nil {
		return nil, err
	}

	bundle := c.sess.Create(members)
	commonMime := ""
	err = c.sess.Write(bundle, func(w io.Writer) error {
		if header != nil {
			if _, err := w.Write(header); err != nil {
				return err
			}
		}
		for i, m := range members {
			rc, err := c.sess.Read(m)
			if err != nil {
				return err
			}
			_, err = io.Copy(w, rc)
			_ = rc.Close()
			if err != nil {
				return err
			}
			// the demarcator is omitted after the last member
			if i < len(members)-1 && demarcator != nil {
				if _, err := w.Write(demarcator); err != nil {
					return err
				}
			}
			mime := m.Attribute(flowunit.AttrMimeType)
			if i == 0 {
				commonMime = mime
			} else if commonMime != mime {
				commonMime = ""
			}
		}
		if footer != nil {
			if _, err := w.Write(footer); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = c.sess.Remove(bundle)
		return nil, err
	}

	if commonMime != "" {
		c.mimeType = commonMime
	}
	c.sess.PutAttribute(bundle, flowunit.AttrFilename, mergedFilename(members, c.ids))
	return bundle, nil
}

// delimiter resolves one delimiter value per the configured strategy. The
// value is first evaluated as an expression against the given unit's
// attributes; values that are not valid expressions are taken literally.
func (c *concatMerger) delimiter(value string, first *flowunit.Unit) ([]byte, error) {
	if c.cfg.DelimiterStrategy == DelimiterNone || value == "" {
		return nil, nil
	}
	resolved := value
	if evaluated, err := sharedexpr.EvalString(value, first.Attributes()); err == nil {
		resolved = evaluated
	}
	switch c.cfg.DelimiterStrategy {
	case DelimiterText:
		return []byte(resolved), nil
	case DelimiterFilename:
		content, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("failed to read delimiter file %q: %w", resolved, err)
		}
		return content, nil
	default:
		return nil, nil
	}
}

func (c *concatMerger) contentType() string {
	return c.mimeType
}

func (c *concatMerger) unmerged() []*flowunit.Unit {
	return nil
}
