package model

import (
	"path/filepath"

	"github.com/aluedeke/go-macsign/pkg/config"
)

// Paths holds the three directory roots used while signing.
type Paths struct {
	// Input holds the unsigned build products and is never modified.
	Input string
	// Output receives the finished artifacts.
	Output string
	// Work is scratch space for in-progress signing.
	Work string
}

// ReplaceWork returns a copy of p with a different work directory.
func (p Paths) ReplaceWork(work string) Paths {
	p.Work = work
	return p
}

// PackagingDir returns the packaging directory for cfg inside Input.
func (p Paths) PackagingDir(cfg config.Config) string {
	return filepath.Join(p.Input, cfg.PackagingDir())
}

// InWork joins a path relative to Work.
func (p Paths) InWork(rel string) string {
	return filepath.Join(p.Work, rel)
}
