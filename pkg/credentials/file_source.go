/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package credentials

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileSource reads the session token from a file and fires a refresh
// notification whenever the file content changes.
type FileSource struct {
	*Broadcaster

	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	token string

	stopWatch chan struct{}
	closeOnce sync.Once
}

// NewFileSource loads the token at path and starts watching it
func NewFileSource(path string, logger *zap.Logger) (*FileSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token file path: %w", err)
	}

	token, err := readToken(abs)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create token file watcher: %w", err)
	}

	// Watch the directory so atomic replace-by-rename is observed
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch token file directory: %w", err)
	}

	f := &FileSource{
		Broadcaster: NewBroadcaster(logger),
		path:        abs,
		logger:      logger,
		watcher:     watcher,
		token:       token,
		stopWatch:   make(chan struct{}),
	}

	go f.watchFile()

	logger.Info("Watching session token file", zap.String("path", abs))
	return f, nil
}

// Token returns the most recently read token
func (f *FileSource) Token() (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.token, nil
}

// Close stops watching the token file
func (f *FileSource) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.stopWatch)
		err = f.watcher.Close()
	})
	return err
}

func (f *FileSource) watchFile() {
	for {
		select {
		case <-f.stopWatch:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			f.reload()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Error("Token file watcher error", zap.Error(err))
		}
	}
}

func (f *FileSource) reload() {
	token, err := readToken(f.path)
	if err != nil {
		// Mid-replace; the following Create event reloads it
		f.logger.Debug("Token file not readable", zap.Error(err))
		return
	}
	if token == "" {
		// Truncated by a writer that has not finished
		return
	}

	f.mu.Lock()
	changed := token != f.token
	f.token = token
	f.mu.Unlock()

	if !changed {
		return
	}

	f.logger.Info("Session token changed, notifying subscribers", zap.String("path", f.path))
	f.Notify()
}

func readToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return string(bytes.TrimSpace(data)), nil
}
