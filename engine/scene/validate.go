package scene

import (
	"fmt"
)

// validateDocument checks the structure of a document: every index in
// range, and nodes forming a forest. Only run in debug mode; the loader
// still range checks what it dereferences.
func validateDocument(doc *gltfDocument) error {
	inRange := func(what string, idx, n int) error {
		if idx < 0 || idx >= n {
			return fmt.Errorf("%s %d of %d: %w", what, idx, n, ErrInvalidDocument)
		}
		return nil
	}

	for i, bv := range doc.BufferViews {
		if err := inRange(fmt.Sprintf("buffer view %d: buffer", i), bv.Buffer, len(doc.Buffers)); err != nil {
			return err
		}
		if bv.ByteStride != nil && (*bv.ByteStride < 4 || *bv.ByteStride > 252 || *bv.ByteStride%4 != 0) {
			return fmt.Errorf("buffer view %d: byte stride %d: %w", i, *bv.ByteStride, ErrInvalidDocument)
		}
	}
	for i, acc := range doc.Accessors {
		if acc.BufferView != nil {
			if err := inRange(fmt.Sprintf("accessor %d: buffer view", i), *acc.BufferView, len(doc.BufferViews)); err != nil {
				return err
			}
		}
		if componentCount(acc.Type) == 0 || componentSize(acc.ComponentType) == 0 {
			return fmt.Errorf("accessor %d: type %s, component type %d: %w", i, acc.Type, acc.ComponentType, ErrInvalidDocument)
		}
		if acc.Count < 1 {
			return fmt.Errorf("accessor %d: count %d: %w", i, acc.Count, ErrInvalidDocument)
		}
	}
	for i, img := range doc.Images {
		if (img.BufferView == nil) == (img.URI == "") {
			return fmt.Errorf("image %d: exactly one of uri and bufferView is required: %w", i, ErrInvalidDocument)
		}
		if img.BufferView != nil {
			if err := inRange(fmt.Sprintf("image %d: buffer view", i), *img.BufferView, len(doc.BufferViews)); err != nil {
				return err
			}
		}
	}
	for i, tex := range doc.Textures {
		if tex.Sampler != nil {
			if err := inRange(fmt.Sprintf("texture %d: sampler", i), *tex.Sampler, len(doc.Samplers)); err != nil {
				return err
			}
		}
		if tex.Source != nil {
			if err := inRange(fmt.Sprintf("texture %d: source", i), *tex.Source, len(doc.Images)); err != nil {
				return err
			}
		}
	}
	for i, m := range doc.Materials {
		for _, info := range materialTextureInfos(&m) {
			if err := inRange(fmt.Sprintf("material %d: texture", i), info.Index, len(doc.Textures)); err != nil {
				return err
			}
		}
	}
	for i, mesh := range doc.Meshes {
		for j, p := range mesh.Primitives {
			for semantic, idx := range p.Attributes {
				if err := inRange(fmt.Sprintf("mesh %d primitive %d: %s accessor", i, j, semantic), idx, len(doc.Accessors)); err != nil {
					return err
				}
			}
			if p.Indices != nil {
				if err := inRange(fmt.Sprintf("mesh %d primitive %d: indices accessor", i, j), *p.Indices, len(doc.Accessors)); err != nil {
					return err
				}
			}
			if p.Material != nil {
				if err := inRange(fmt.Sprintf("mesh %d primitive %d: material", i, j), *p.Material, len(doc.Materials)); err != nil {
					return err
				}
			}
			if p.Mode != nil && (*p.Mode < gltfPrimitiveModePoints || *p.Mode > gltfPrimitiveModeTriangleFan) {
				return fmt.Errorf("mesh %d primitive %d: mode %d: %w", i, j, *p.Mode, ErrInvalidDocument)
			}
		}
	}

	parents := make([]int, len(doc.Nodes))
	for i := range parents {
		parents[i] = RootID
	}
	for i, n := range doc.Nodes {
		if n.Mesh != nil {
			if err := inRange(fmt.Sprintf("node %d: mesh", i), *n.Mesh, len(doc.Meshes)); err != nil {
				return err
			}
		}
		if n.Matrix != nil && (n.Translation != nil || n.Rotation != nil || n.Scale != nil) {
			return fmt.Errorf("node %d: matrix and TRS are exclusive: %w", i, ErrInvalidDocument)
		}
		for _, c := range n.Children {
			if err := inRange(fmt.Sprintf("node %d: child", i), c, len(doc.Nodes)); err != nil {
				return err
			}
			if parents[c] != RootID {
				return fmt.Errorf("node %d has two parents: %w", c, ErrInvalidDocument)
			}
			parents[c] = i
		}
	}
	// With a single parent each, a cycle shows as a walk longer than the node count.
	for i := range parents {
		steps := 0
		for p := parents[i]; p != RootID; p = parents[p] {
			if steps++; steps > len(parents) {
				return fmt.Errorf("node %d: %w", i, ErrSceneGraphCycle)
			}
		}
	}
	for i, s := range doc.Scenes {
		for _, n := range s.Nodes {
			if err := inRange(fmt.Sprintf("scene %d: node", i), n, len(doc.Nodes)); err != nil {
				return err
			}
		}
	}
	if doc.Scene != nil {
		if err := inRange("default scene", *doc.Scene, len(doc.Scenes)); err != nil {
			return err
		}
	}
	return nil
}

// materialTextureInfos lists the texture references of m.
func materialTextureInfos(m *gltfMaterial) []gltfTextureInfo {
	var infos []gltfTextureInfo
	if pbr := m.PbrMetallicRoughness; pbr != nil {
		if pbr.BaseColorTexture != nil {
			infos = append(infos, *pbr.BaseColorTexture)
		}
		if pbr.MetallicRoughnessTexture != nil {
			infos = append(infos, *pbr.MetallicRoughnessTexture)
		}
	}
	if m.NormalTexture != nil {
		infos = append(infos, m.NormalTexture.gltfTextureInfo)
	}
	if m.OcclusionTexture != nil {
		infos = append(infos, m.OcclusionTexture.gltfTextureInfo)
	}
	if m.EmissiveTexture != nil {
		infos = append(infos, *m.EmissiveTexture)
	}
	return infos
}
