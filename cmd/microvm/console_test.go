package main

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestEscapeReaderQuit(t *testing.T) {
	quit := 0
	r := &escapeReader{r: strings.NewReader("ls\r\x01xignored"), quit: func() { quit++ }}

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "ls\r" {
		t.Fatalf("got %q, want %q", got, "ls\r")
	}
	if quit != 1 {
		t.Fatalf("quit called %d times", quit)
	}
}

func TestEscapeReaderLiteral(t *testing.T) {
	r := &escapeReader{r: strings.NewReader("a\x01\x01b\x01zc"), quit: func() { t.Fatal("unexpected quit") }}

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if want := "a\x01bc"; string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEscapeReaderSplitAcrossReads(t *testing.T) {
	quit := false
	src := io.MultiReader(strings.NewReader("abc\x01"), strings.NewReader("x"))
	r := &escapeReader{r: src, quit: func() { quit = true }}

	got, _ := io.ReadAll(r)
	if string(got) != "abc" || !quit {
		t.Fatalf("got %q quit=%v", got, quit)
	}
}

func TestStrippedLog(t *testing.T) {
	var out bytes.Buffer
	log := &strippedLog{w: &out}
	for _, chunk := range []string{"\x1b[1", ";32mok\x1b[0m\r\n", "tail"} {
		if _, err := log.Write([]byte(chunk)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if out.String() != "ok\r\n" {
		t.Fatalf("got %q before flush", out.String())
	}
	if err := log.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if out.String() != "ok\r\ntail" {
		t.Fatalf("got %q", out.String())
	}
}

func TestFixCrlf(t *testing.T) {
	var out bytes.Buffer
	n, err := (&fixCrlf{w: &out}).Write([]byte("a\nb\n"))
	if err != nil || n != 4 {
		t.Fatalf("write = %d, %v", n, err)
	}
	if out.String() != "a\r\nb\r\n" {
		t.Fatalf("got %q", out.String())
	}
}

func TestModuleList(t *testing.T) {
	var m moduleList
	for _, s := range []string{"/boot/a.bin", "fw=/boot/b.bin"} {
		if err := m.Set(s); err != nil {
			t.Fatalf("set %q: %v", s, err)
		}
	}
	if len(m) != 2 || m[0].Name != "" || m[1].Name != "fw" || m[1].Path != "/boot/b.bin" {
		t.Fatalf("modules = %+v", m)
	}
	if err := m.Set("name="); err == nil {
		t.Fatal("empty path accepted")
	}
}
