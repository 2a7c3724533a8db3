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
	"fmt"
	"math"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/flowmerge/flowmerge/pkg/binning"
	"github.com/flowmerge/flowmerge/pkg/flowunit"
	sharedexpr "github.com/flowmerge/flowmerge/pkg/shared/expr"
)

// Strategy selects how incoming units are grouped into bins.
type Strategy string

const (
	// StrategyBinPack fills bins as full as possible, optionally keyed by a
	// correlation attribute.
	StrategyBinPack Strategy = "bin-pack"
	// StrategyDefragment reassembles fragment sets keyed by the fragment
	// identifier attribute.
	StrategyDefragment Strategy = "defragment"
)

// Format selects the container the merged output is encoded in.
type Format string

const (
	FormatConcat   Format = "concat"
	FormatTAR      Format = "tar"
	FormatZIP      Format = "zip"
	FormatStreamV3 Format = "stream-v3"
	FormatStreamV2 Format = "stream-v2"
	FormatStreamV1 Format = "stream-v1"
	FormatAvro     Format = "avro"
)

// AttributeStrategy selects how member attribute maps are reconciled onto
// the merged output.
type AttributeStrategy string

const (
	// AttributesKeepCommon keeps only attributes identical across all members.
	AttributesKeepCommon AttributeStrategy = "keep-common"
	// AttributesKeepFirst takes the first member's attribute set.
	AttributesKeepFirst AttributeStrategy = "keep-first"
)

// MetadataStrategy selects how Avro container metadata is reconciled.
type MetadataStrategy string

const (
	MetadataUseFirst   MetadataStrategy = "use-first"
	MetadataKeepCommon MetadataStrategy = "keep-common"
	MetadataIgnore     MetadataStrategy = "ignore"
	MetadataDoNotMerge MetadataStrategy = "do-not-merge"
)

// DelimiterStrategy selects where concat header/footer/demarcator bytes come
// from.
type DelimiterStrategy string

const (
	DelimiterNone     DelimiterStrategy = "none"
	DelimiterText     DelimiterStrategy = "text"
	DelimiterFilename DelimiterStrategy = "filename"
)

// Config is the full configuration surface of the merge vertex. Validation
// errors are configuration conflicts: surfaced once, never retried.
type Config struct {
	Strategy Strategy `json:"strategy" mapstructure:"strategy"`
	Format   Format   `json:"format" mapstructure:"format"`

	// GroupKeyAttribute names the attribute whose value routes units to
	// bins in bin-pack mode. GroupKeyExpression, when set, is evaluated
	// against the unit's attributes instead. Defragment mode always keys
	// on fragment.identifier.
	GroupKeyAttribute  string `json:"groupKeyAttribute,omitempty" mapstructure:"groupKeyAttribute"`
	GroupKeyExpression string `json:"groupKeyExpression,omitempty" mapstructure:"groupKeyExpression"`

	MinEntries  int           `json:"minEntries" mapstructure:"minEntries"`
	MaxEntries  int           `json:"maxEntries" mapstructure:"maxEntries"`
	MinSize     string        `json:"minSize,omitempty" mapstructure:"minSize"`
	MaxSize     string        `json:"maxSize,omitempty" mapstructure:"maxSize"`
	MaxBinAge   time.Duration `json:"maxBinAge,omitempty" mapstructure:"maxBinAge"`
	MaxOpenBins int           `json:"maxOpenBins" mapstructure:"maxOpenBins"`

	// TerminationCheck is an expression over unit attributes; a true result
	// terminates the unit's bin early. InsertionLocation controls whether
	// the triggering unit lands in the terminating bin or the next one.
	TerminationCheck  string `json:"terminationCheck,omitempty" mapstructure:"terminationCheck"`
	InsertionLocation string `json:"insertionLocation,omitempty" mapstructure:"insertionLocation"`

	AttributeStrategy AttributeStrategy `json:"attributeStrategy" mapstructure:"attributeStrategy"`
	MetadataStrategy  MetadataStrategy  `json:"metadataStrategy" mapstructure:"metadataStrategy"`

	DelimiterStrategy DelimiterStrategy `json:"delimiterStrategy" mapstructure:"delimiterStrategy"`
	Header            string            `json:"header,omitempty" mapstructure:"header"`
	Footer            string            `json:"footer,omitempty" mapstructure:"footer"`
	Demarcator        string            `json:"demarcator,omitempty" mapstructure:"demarcator"`

	CompressionLevel int    `json:"compressionLevel" mapstructure:"compressionLevel"`
	KeepPath         bool   `json:"keepPath" mapstructure:"keepPath"`
	TarModifiedTime  string `json:"tarModifiedTime,omitempty" mapstructure:"tarModifiedTime"`

	minBytes int64
	maxBytes int64
}

// DefaultConfig returns a Config with the default thresholds and policies.
func DefaultConfig() *Config {
	return &Config{
		Strategy:          StrategyBinPack,
		Format:            FormatConcat,
		MinEntries:        1,
		MaxEntries:        1000,
		MaxOpenBins:       100,
		InsertionLocation: "last-in-bin",
		AttributeStrategy: AttributesKeepCommon,
		MetadataStrategy:  MetadataDoNotMerge,
		DelimiterStrategy: DelimiterNone,
		CompressionLevel:  1,
		maxBytes:          math.MaxInt64,
	}
}

// Validate checks the configuration for invalid values and conflicting
// option combinations and resolves the humanized size thresholds.
func (c *Config) Validate() error {
	switch c.Strategy {
	case StrategyBinPack, StrategyDefragment:
	default:
		return fmt.Errorf("unknown merge strategy %q", c.Strategy)
	}

	switch c.Format {
	case FormatConcat, FormatTAR, FormatZIP, FormatStreamV3, FormatStreamV2, FormatStreamV1, FormatAvro:
	default:
		return fmt.Errorf("unknown merge format %q", c.Format)
	}

	if c.Strategy == StrategyDefragment {
		if c.TerminationCheck != "" {
			return fmt.Errorf("termination check cannot be combined with the defragment strategy")
		}
		if c.GroupKeyAttribute != "" || c.GroupKeyExpression != "" {
			return fmt.Errorf("group key configuration cannot be combined with the defragment strategy")
		}
	}

	if c.MinEntries < 1 {
		return fmt.Errorf("min entries must be at least 1, got %d", c.MinEntries)
	}
	if c.MinEntries > c.MaxEntries {
		return fmt.Errorf("min entries %d exceeds max entries %d", c.MinEntries, c.MaxEntries)
	}

	c.minBytes = 0
	if c.MinSize != "" {
		n, err := humanize.ParseBytes(c.MinSize)
		if err != nil {
			return fmt.Errorf("invalid min size %q: %w", c.MinSize, err)
		}
		c.minBytes = int64(n)
	}
	c.maxBytes = math.MaxInt64
	if c.MaxSize != "" {
		n, err := humanize.ParseBytes(c.MaxSize)
		if err != nil {
			return fmt.Errorf("invalid max size %q: %w", c.MaxSize, err)
		}
		c.maxBytes = int64(n)
	}
	if c.minBytes > c.maxBytes {
		return fmt.Errorf("min size %q exceeds max size %q", c.MinSize, c.MaxSize)
	}

	if c.MaxBinAge < 0 {
		return fmt.Errorf("max bin age must not be negative, got %v", c.MaxBinAge)
	}
	if c.MaxOpenBins < 1 {
		return fmt.Errorf("max open bins must be at least 1, got %d", c.MaxOpenBins)
	}

	switch c.InsertionLocation {
	case "", "last-in-bin", "first-in-new-bin":
	default:
		return fmt.Errorf("unknown insertion location %q", c.InsertionLocation)
	}

	switch c.AttributeStrategy {
	case AttributesKeepCommon, AttributesKeepFirst:
	default:
		return fmt.Errorf("unknown attribute strategy %q", c.AttributeStrategy)
	}

	switch c.MetadataStrategy {
	case MetadataUseFirst, MetadataKeepCommon, MetadataIgnore, MetadataDoNotMerge:
	default:
		return fmt.Errorf("unknown metadata strategy %q", c.MetadataStrategy)
	}

	switch c.DelimiterStrategy {
	case DelimiterNone, DelimiterText, DelimiterFilename:
	default:
		return fmt.Errorf("unknown delimiter strategy %q", c.DelimiterStrategy)
	}
	if c.DelimiterStrategy != DelimiterNone && c.Format != FormatConcat {
		return fmt.Errorf("delimiter strategy %q is only valid with the concat format", c.DelimiterStrategy)
	}
	if c.DelimiterStrategy == DelimiterFilename {
		for _, f := range []string{c.Header, c.Footer, c.Demarcator} {
			if f == "" {
				continue
			}
			if _, err := os.Stat(f); err != nil {
				return fmt.Errorf("delimiter file %q is not readable: %w", f, err)
			}
		}
	}

	if c.CompressionLevel < 0 || c.CompressionLevel > 9 {
		return fmt.Errorf("compression level must be between 0 and 9, got %d", c.CompressionLevel)
	}

	return nil
}

// MinBytes returns the resolved minimum byte threshold. Valid after Validate.
func (c *Config) MinBytes() int64 {
	return c.minBytes
}

// MaxBytes returns the resolved maximum byte budget. Valid after Validate.
func (c *Config) MaxBytes() int64 {
	if c.maxBytes == 0 {
		return math.MaxInt64
	}
	return c.maxBytes
}

// GroupKey derives the bin routing key for a unit. Units without a key group
// under the empty key.
func (c *Config) GroupKey(u *flowunit.Unit) (string, error) {
	if c.Strategy == StrategyDefragment {
		return u.Attribute(flowunit.AttrFragmentID), nil
	}
	if c.GroupKeyExpression != "" {
		return sharedexpr.EvalString(c.GroupKeyExpression, u.Attributes())
	}
	if c.GroupKeyAttribute != "" {
		return u.Attribute(c.GroupKeyAttribute), nil
	}
	return "", nil
}

// BinningOptions translates the configuration into Bin Manager options.
func (c *Config) BinningOptions() []binning.Option {
	opts := []binning.Option{
		binning.WithMinEntries(c.MinEntries),
		binning.WithMaxEntries(c.MaxEntries),
		binning.WithMinBytes(c.MinBytes()),
		binning.WithMaxBytes(c.MaxBytes()),
		binning.WithMaxBinAge(c.MaxBinAge),
		binning.WithMaxOpenBins(c.MaxOpenBins),
	}
	if c.Strategy == StrategyDefragment {
		opts = append(opts, binning.WithCountAttribute(flowunit.AttrFragmentCount))
	}
	if c.TerminationCheck != "" {
		check := func(u *flowunit.Unit) (bool, error) {
			return sharedexpr.EvalBool(c.TerminationCheck, u.Attributes())
		}
		loc := binning.LastInBin
		if c.InsertionLocation == "first-in-new-bin" {
			loc = binning.FirstInNewBin
		}
		opts = append(opts, binning.WithTerminationCheck(check, loc))
	}
	return opts
}
