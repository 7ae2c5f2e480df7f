// instrument rewrites a Go source file so that every block of every function
// reports a coverage hit to forksrv:
//
//	instrument -file target.go -out target_cov.go -meta blocks.json
//
// Block ids are stable hashes of the block location folded into the map size.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"go/token"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/dave/dst"
	"github.com/dave/dst/decorator"
	"github.com/dave/dst/dstutil"
	log "github.com/sirupsen/logrus"

	"github.com/rss/fuzzkit/coverage"
	"github.com/rss/fuzzkit/util"
)

const forksrvPath = "github.com/rss/fuzzkit/forksrv"

var (
	flagFile    = flag.String("file", "", "Go file to instrument")
	flagOut     = flag.String("out", "", "output file, the input file is replaced if empty")
	flagMeta    = flag.String("meta", "", "write block metadata (json) here")
	flagMapSize = flag.Int("map_size", coverage.DefaultSize, "coverage map size")
)

type Block struct {
	ID       int    `json:"id"`
	Func     string `json:"func"`
	Index    int    `json:"index"`
	Location string `json:"location"`
}

func blockID(file, fn string, idx, mapSize int) int {
	h := xxhash.New()
	h.WriteString(file)
	h.WriteString(":")
	h.WriteString(fn)
	h.WriteString(":")
	h.WriteString(strconv.Itoa(idx))
	return int(h.Sum64() % uint64(mapSize))
}

func hitStmt(id int) dst.Stmt {
	return &dst.ExprStmt{
		X: &dst.CallExpr{
			Fun: &dst.SelectorExpr{
				X:   &dst.Ident{Name: "forksrv"},
				Sel: &dst.Ident{Name: "Hit"},
			},
			Args: []dst.Expr{
				&dst.BasicLit{Kind: token.INT, Value: strconv.Itoa(id)},
			},
		},
	}
}

func addImport(f *dst.File) {
	quoted := strconv.Quote(forksrvPath)
	for _, imp := range f.Imports {
		if imp.Path.Value == quoted {
			return
		}
	}
	spec := &dst.ImportSpec{Path: &dst.BasicLit{Kind: token.STRING, Value: quoted}}
	for _, decl := range f.Decls {
		if gen, ok := decl.(*dst.GenDecl); ok && gen.Tok == token.IMPORT {
			gen.Specs = append(gen.Specs, spec)
			gen.Lparen = true
			gen.Rparen = true
			return
		}
	}
	f.Decls = append([]dst.Decl{&dst.GenDecl{
		Tok:   token.IMPORT,
		Specs: []dst.Spec{spec},
	}}, f.Decls...)
}

// instrument returns the rewritten source and the inserted blocks.
func instrument(src []byte, file string, mapSize int) ([]byte, []Block, error) {
	f, err := decorator.Parse(src)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot parse %v: %v", file, err)
	}
	var blocks []Block
	fn := ""
	idx := 0
	hit := func(body []dst.Stmt) []dst.Stmt {
		b := Block{
			ID:       blockID(file, fn, idx, mapSize),
			Func:     fn,
			Index:    idx,
			Location: fmt.Sprintf("%v:%v#%v", file, fn, idx),
		}
		idx++
		blocks = append(blocks, b)
		return append([]dst.Stmt{hitStmt(b.ID)}, body...)
	}
	dstutil.Apply(f, func(c *dstutil.Cursor) bool {
		switch n := c.Node().(type) {
		case *dst.FuncDecl:
			fn = n.Name.Name
			if n.Recv != nil && len(n.Recv.List) != 0 {
				fn = recvName(n.Recv.List[0].Type) + "." + fn
			}
			idx = 0
		case *dst.BlockStmt:
			switch c.Parent().(type) {
			case *dst.SwitchStmt, *dst.TypeSwitchStmt, *dst.SelectStmt:
				// clauses are instrumented on their own
				return true
			}
			if fn != "" {
				n.List = hit(n.List)
			}
		case *dst.CaseClause:
			if fn != "" {
				n.Body = hit(n.Body)
			}
		case *dst.CommClause:
			if fn != "" {
				n.Body = hit(n.Body)
			}
		}
		return true
	}, nil)
	if len(blocks) != 0 {
		addImport(f)
	}
	var buf bytes.Buffer
	if err := decorator.Fprint(&buf, f); err != nil {
		return nil, nil, fmt.Errorf("cannot print %v: %v", file, err)
	}
	return buf.Bytes(), blocks, nil
}

func recvName(e dst.Expr) string {
	switch t := e.(type) {
	case *dst.StarExpr:
		return recvName(t.X)
	case *dst.Ident:
		return t.Name
	case *dst.IndexExpr:
		return recvName(t.X)
	case *dst.IndexListExpr:
		return recvName(t.X)
	}
	return "?"
}

func main() {
	flag.Parse()
	if *flagFile == "" {
		log.Fatalf("no file to instrument")
	}
	if *flagMapSize <= 0 {
		log.Fatalf("bad map size %v", *flagMapSize)
	}
	src, err := os.ReadFile(*flagFile)
	if err != nil {
		log.Fatalf("cannot read %v: %v", *flagFile, err)
	}
	out, blocks, err := instrument(src, *flagFile, *flagMapSize)
	if err != nil {
		log.Fatalf("%v", err)
	}
	target := *flagOut
	if target == "" {
		target = *flagFile
	}
	if err := util.WriteFileAtomic(target, out); err != nil {
		log.Fatalf("cannot write %v: %v", target, err)
	}
	if *flagMeta != "" {
		if err := util.ToJsonFile(blocks, *flagMeta); err != nil {
			log.Fatalf("cannot write metadata: %v", err)
		}
	}
	log.Infof("instrumented %v blocks of %v", len(blocks), *flagFile)
}
