package scene

import (
	"fmt"

	"github.com/spaghettifunk/vrstream/engine/gpu"
	"github.com/spaghettifunk/vrstream/engine/math"
)

const (
	// Parent of top level objects.
	RootID = -1
	// Mesh of objects without geometry.
	NoMesh = -1
)

type Primitive struct {
	VertexOffset uint64
	VertexCount  uint32

	Indexed     bool
	IndexOffset uint64
	IndexCount  uint32
	IndexType   gpu.IndexType

	Topology  gpu.Topology
	CullMode  gpu.CullMode
	FrontFace gpu.FrontFace

	// nil when the primitive uses the renderer default.
	Material *Material
}

/**
 * @brief Geometry of one mesh. Offsets in the primitives are relative to Buffer.
 */
type Mesh struct {
	Name       string
	Primitives []Primitive
	Buffer     *gpu.SharedBuffer
}

/**
 * @brief A node of the scene forest. Parents are referenced by index and
 * always come before their children.
 */
type SceneObject struct {
	math.Transform

	ParentID int
	MeshID   int
	Visible  bool
	Name     string
}

/**
 * @brief Refers to an object of a scene. Never outlives the scene.
 */
type SceneObjectHandle struct {
	ID    int
	Scene *SceneData
}

// Object returns the referenced object. The pointer is invalidated by any change to the object list.
func (h SceneObjectHandle) Object() *SceneObject {
	return &h.Scene.Objects[h.ID]
}

/**
 * @brief The loaded content of a scene: meshes, materials, textures and the
 * object forest, in ancestors-first order.
 */
type SceneData struct {
	Meshes    []Mesh
	Objects   []SceneObject
	Materials []*Material
	Textures  []*Texture
}

func (s *SceneData) Root() SceneObjectHandle {
	return SceneObjectHandle{ID: RootID, Scene: s}
}

/**
 * @brief Moves the content of other into s. Mesh and parent indices of
 * other are shifted past the current content of s and its top level
 * objects become children of parent. other is left empty.
 * @param parent An object of s, or a handle with ID RootID.
 */
func (s *SceneData) Import(other *SceneData, parent SceneObjectHandle) {
	if parent.ID != RootID && parent.Scene != s {
		panic("scene: import under a node of another scene")
	}

	meshOffset := len(s.Meshes)
	objectOffset := len(s.Objects)

	s.Meshes = append(s.Meshes, other.Meshes...)
	for _, o := range other.Objects {
		if o.MeshID != NoMesh {
			o.MeshID += meshOffset
		}
		if o.ParentID == RootID {
			o.ParentID = parent.ID
		} else {
			o.ParentID += objectOffset
		}
		s.Objects = append(s.Objects, o)
	}
	s.Materials = append(s.Materials, other.Materials...)
	s.Textures = append(s.Textures, other.Textures...)

	other.Meshes = nil
	other.Objects = nil
	other.Materials = nil
	other.Textures = nil
}

// ImportRoot imports other at the top level of s.
func (s *SceneData) ImportRoot(other *SceneData) {
	s.Import(other, SceneObjectHandle{ID: RootID})
}

// NewNode appends a visible top level object with an identity transform.
func (s *SceneData) NewNode() SceneObjectHandle {
	id := len(s.Objects)
	s.Objects = append(s.Objects, SceneObject{
		Transform: math.NewTransform(),
		ParentID:  RootID,
		MeshID:    NoMesh,
		Visible:   true,
	})
	return SceneObjectHandle{ID: id, Scene: s}
}

// FindNode returns the first object named name.
func (s *SceneData) FindNode(name string) (SceneObjectHandle, error) {
	for i := range s.Objects {
		if s.Objects[i].Name == name {
			return SceneObjectHandle{ID: i, Scene: s}, nil
		}
	}
	return SceneObjectHandle{}, fmt.Errorf("node %q: %w", name, ErrNodeNotFound)
}

/**
 * @brief Returns the first descendant of root named name. root itself never matches.
 * Relies on the ancestors-first order: a single forward scan from root marks
 * every object whose parent is already marked.
 */
func (s *SceneData) FindNodeUnder(root SceneObjectHandle, name string) (SceneObjectHandle, error) {
	if root.ID == RootID {
		return s.FindNode(name)
	}
	if root.Scene != s || root.ID < 0 || root.ID >= len(s.Objects) {
		return SceneObjectHandle{}, fmt.Errorf("root %d: %w", root.ID, ErrIndexOutOfRange)
	}

	reachable := make([]bool, len(s.Objects))
	reachable[root.ID] = true

	for i := root.ID + 1; i < len(s.Objects); i++ {
		parent := s.Objects[i].ParentID
		if parent == RootID || !reachable[parent] {
			continue
		}
		if s.Objects[i].Name == name {
			return SceneObjectHandle{ID: i, Scene: s}, nil
		}
		reachable[i] = true
	}
	return SceneObjectHandle{}, fmt.Errorf("node %q under %q: %w", name, s.Objects[root.ID].Name, ErrNodeNotFound)
}

/**
 * @brief Releases the images and the shared buffer held by the scene and empties it.
 */
func (s *SceneData) Destroy() {
	for i := range s.Meshes {
		if s.Meshes[i].Buffer != nil {
			s.Meshes[i].Buffer.Release()
		}
	}
	for _, m := range s.Materials {
		if m.Buffer != nil {
			m.Buffer.Release()
		}
	}
	for _, t := range s.Textures {
		t.Image.Release()
	}
	*s = SceneData{}
}

/**
 * @brief Reorders objects so that parents come first, rewriting parent
 * indices. Scans repeatedly, placing every object whose parent is placed,
 * until all are placed. A scan that places nothing means a cycle and panics.
 */
func topologicalSort(unsorted []SceneObject) []SceneObject {
	sorted := make([]SceneObject, 0, len(unsorted))
	placed := make([]bool, len(unsorted))
	newIndex := make([]int, len(unsorted))

	for len(sorted) < len(unsorted) {
		progress := false
		for i := range unsorted {
			if placed[i] {
				continue
			}
			o := unsorted[i]
			switch {
			case o.ParentID == RootID:
			case placed[o.ParentID]:
				o.ParentID = newIndex[o.ParentID]
			default:
				continue
			}
			sorted = append(sorted, o)
			placed[i] = true
			newIndex[i] = len(sorted) - 1
			progress = true
		}
		if !progress {
			panic(ErrSceneGraphCycle)
		}
	}
	return sorted
}
