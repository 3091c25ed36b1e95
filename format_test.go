package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", formatSize(512))
	assert.Equal(t, "1.0 KB", formatSize(1024))
	assert.Equal(t, "1.5 MB", formatSize(1536*1024))
	assert.Equal(t, "2.0 GB", formatSize(2*1024*1024*1024))
}

func TestFormatTime(t *testing.T) {
	sameYear := time.Date(time.Now().Year(), time.March, 2, 15, 4, 0, 0, time.UTC)
	assert.Equal(t, "Mar  2 15:04", formatTime(sameYear))

	pastYear := time.Date(2019, time.March, 2, 15, 4, 0, 0, time.UTC)
	assert.Equal(t, "Mar  2  2019", formatTime(pastYear))
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer

	printTable(&buf, []string{"ID", "TITLE"}, [][]string{
		{"a1", "Week one notes"},
		{"b22", "Syllabus"},
	})

	want := "ID   TITLE         \n" +
		"a1   Week one notes\n" +
		"b22  Syllabus      \n"
	assert.Equal(t, want, buf.String())
}
