// Package node records the project-relative files currently under sync as a
// directory tree. The client uses it to reconcile watcher-level events with
// the known tree: a removed or renamed directory is expanded into the
// individual files it contained, and membership tells a removed file from a
// removed directory.
// Paths are forward-slash normalized.
package node

import (
	"sort"
	"strings"
)

// Node - one directory or file in the synced tree.
type Node struct {
	name     string
	path     string
	isFile   bool
	children map[string]*Node
}

// NewTree returns an empty root.
func NewTree() *Node {
	return &Node{children: make(map[string]*Node)}
}

// AddFile registers a file path, creating intermediate directories.
func (n *Node) AddFile(path string) {
	parts := strings.Split(path, "/")
	cur := n
	for i, part := range parts {
		if part == "" {
			continue
		}
		child, ok := cur.children[part]
		if !ok {
			child = &Node{name: part, children: make(map[string]*Node)}
			cur.children[part] = child
		}
		if i == len(parts)-1 {
			child.isFile = true
			child.path = path
		}
		cur = child
	}
}

// DeleteFile removes a file path; empty parent directories are pruned.
func (n *Node) DeleteFile(path string) {
	n.deleteParts(strings.Split(path, "/"))
}

func (n *Node) deleteParts(parts []string) bool {
	if len(parts) == 0 {
		return false
	}
	child, ok := n.children[parts[0]]
	if !ok {
		return false
	}
	if len(parts) == 1 {
		if !child.isFile {
			return false
		}
		delete(n.children, parts[0])
		return true
	}
	removed := child.deleteParts(parts[1:])
	if removed && len(child.children) == 0 && !child.isFile {
		delete(n.children, parts[0])
	}
	return removed
}

// Contains reports whether path is a registered file.
func (n *Node) Contains(path string) bool {
	cur := n
	for _, part := range strings.Split(path, "/") {
		child, ok := cur.children[part]
		if !ok {
			return false
		}
		cur = child
	}
	return cur.isFile
}

// Files returns every registered file under dir (or the whole tree when dir
// is empty), sorted.
func (n *Node) Files(dir string) []string {
	cur := n
	if dir != "" {
		for _, part := range strings.Split(dir, "/") {
			child, ok := cur.children[part]
			if !ok {
				return nil
			}
			cur = child
		}
	}
	var files []string
	cur.collect(&files)
	sort.Strings(files)
	return files
}

func (n *Node) collect(files *[]string) {
	if n.isFile {
		*files = append(*files, n.path)
	}
	for _, c := range n.children {
		c.collect(files)
	}
}
