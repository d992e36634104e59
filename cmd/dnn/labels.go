package main

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/nvr-ai/go-dnn/models/postprocess"
	"github.com/pkg/errors"
)

// loadLabels reads a class names file. Each non empty line is either "name", numbered
// from 0 in file order, or "id name". Lines starting with # are comments.
func loadLabels(path string) (postprocess.Labels, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening labels")
	}
	defer f.Close()

	labels := postprocess.Labels{}
	next := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if fields := strings.SplitN(line, " ", 2); len(fields) == 2 {
			if id, err := strconv.Atoi(fields[0]); err == nil {
				labels[id] = strings.TrimSpace(fields[1])
				next = id + 1
				continue
			}
		}
		labels[next] = line
		next++
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading labels")
	}
	return labels, nil
}
