package parser

import (
	"errors"
	"fmt"
)

// ErrParse matches every ParseError.
var ErrParse = errors.New("unparseable tool output")

// ParseError reports tool output that could not be turned into frame
// records. It is distinct from a tool invocation failure: the tool may have
// exited cleanly and still written a truncated or malformed log.
type ParseError struct {
	Format string // psnr, ssim, vmaf-json, vmaf-csv, encoder
	Line   int    // 1-based; 0 when not line oriented
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s output: line %d: %s", e.Format, e.Line, e.Reason)
	}
	return fmt.Sprintf("parse %s output: %s", e.Format, e.Reason)
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}
