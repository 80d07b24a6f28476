package assets

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/spaghettifunk/vrstream/engine/core"
)

type AssetType int

const (
	AssetTypeNone AssetType = iota
	AssetTypeScene
	AssetTypeBuffer
	AssetTypeImage
)

type AssetInfo struct {
	Path     string
	Type     AssetType
	Modified time.Time
}

/**
 * @brief Indexes the scene assets found under a directory tree and keeps the
 * index current with fsnotify. Creating or writing a scene file, or any file
 * a scene may reference, fires EVENT_CODE_SCENE_FILE_CHANGED.
 */
type AssetManager struct {
	assets map[string]AssetInfo
	mutex  sync.RWMutex

	done     chan struct{}
	stopped  chan struct{}
	fsnotify *fsnotify.Watcher
	isClosed bool
}

func NewAssetManager() (*AssetManager, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &AssetManager{
		assets:   make(map[string]AssetInfo),
		fsnotify: fsWatch,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

// Initialize indexes assetsDir and starts watching it and its sub-directories.
func (am *AssetManager) Initialize(assetsDir string) error {
	if err := am.addRecursive(assetsDir); err != nil {
		return err
	}
	go am.start()
	return nil
}

func (am *AssetManager) Shutdown() error {
	if am.isClosed {
		return nil
	}
	am.isClosed = true
	close(am.done)
	<-am.stopped
	return nil
}

// Lookup returns what is known about path.
func (am *AssetManager) Lookup(path string) (AssetInfo, bool) {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	info, ok := am.assets[filepath.Clean(path)]
	return info, ok
}

// Scenes returns the paths of every indexed scene file.
func (am *AssetManager) Scenes() []string {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	var out []string
	for p, info := range am.assets {
		if info.Type == AssetTypeScene {
			out = append(out, p)
		}
	}
	return out
}

// AddRecursive starts watching the named directory and all sub-directories.
func (am *AssetManager) addRecursive(name string) error {
	if am.isClosed {
		return errors.New("asset manager already closed")
	}
	return am.watchRecursive(name, false)
}

func (am *AssetManager) start() {
	defer close(am.stopped)
	for {
		select {
		case e, ok := <-am.fsnotify.Events:
			if !ok {
				return
			}
			am.handleEvent(e)

		case e, ok := <-am.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError(e.Error())

		case <-am.done:
			am.fsnotify.Close()
			return
		}
	}
}

func (am *AssetManager) handleEvent(e fsnotify.Event) {
	s, err := os.Stat(e.Name)
	if err == nil && s.IsDir() {
		if e.Op&fsnotify.Create != 0 {
			if err := am.watchRecursive(e.Name, false); err != nil {
				core.LogWarn("failed to watch %s: %s", e.Name, err)
			}
		}
		return
	}
	// Handle create or modify events
	if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
		if am.handleFileEvent(e.Name) {
			context := core.EventContext{}
			context.Data.C[0] = filepath.Clean(e.Name)
			core.EventFire(core.EVENT_CODE_SCENE_FILE_CHANGED, am, context)
		}
	}
	// Can't stat a deleted path, so drop it from both the index and the watch list.
	if e.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		am.removeAsset(e.Name)
		_ = am.fsnotify.Remove(e.Name)
	}
}

// watchRecursive adds all directories under the given one to the watch list.
// Files created before the watch is added are picked up by the walk itself.
func (am *AssetManager) watchRecursive(path string, unWatch bool) error {
	return filepath.Walk(path, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			if unWatch {
				return am.fsnotify.Remove(walkPath)
			}
			return am.fsnotify.Add(walkPath)
		}
		am.handleFileEvent(walkPath)
		return nil
	})
}

// Handle the creation or modification of a file. Reports whether the file is an asset.
func (am *AssetManager) handleFileEvent(path string) bool {
	assetType := determineAssetType(path)
	if assetType == AssetTypeNone {
		return false
	}
	path = filepath.Clean(path)

	am.mutex.Lock()
	defer am.mutex.Unlock()
	am.assets[path] = AssetInfo{
		Path:     path,
		Type:     assetType,
		Modified: time.Now(),
	}
	return true
}

// Remove the asset from the index if it was deleted
func (am *AssetManager) removeAsset(path string) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	delete(am.assets, filepath.Clean(path))
}

func determineAssetType(path string) AssetType {
	switch filepath.Ext(path) {
	case ".gltf", ".glb":
		return AssetTypeScene
	case ".bin":
		return AssetTypeBuffer
	case ".png", ".jpg", ".jpeg", ".ktx2", ".dds":
		return AssetTypeImage
	default:
		return AssetTypeNone
	}
}
