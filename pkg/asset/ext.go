package asset

import (
	"path/filepath"
	"strings"
)

var extTypes = map[string]Type{
	".png": TypeTexture, ".jpg": TypeTexture, ".jpeg": TypeTexture,
	".gif": TypeTexture, ".bmp": TypeTexture, ".tif": TypeTexture,
	".tiff": TypeTexture, ".webp": TypeTexture,

	".obj": TypeMesh, ".gltf": TypeMesh, ".glb": TypeMesh,
	".fbx": TypeMesh, ".mesh": TypeMesh,

	".mat": TypeMaterial, ".material": TypeMaterial,

	".glsl": TypeShader, ".vert": TypeShader, ".frag": TypeShader,
	".comp": TypeShader, ".geom": TypeShader, ".vs": TypeShader,
	".fs": TypeShader, ".cs": TypeShader, ".gs": TypeShader,
	".hlsl": TypeShader, ".wgsl": TypeShader,

	".wav": TypeAudio, ".ogg": TypeAudio, ".mp3": TypeAudio, ".flac": TypeAudio,

	".scene": TypeScene,
	".anim":  TypeAnimation,
}

// TypeForPath infers an asset type from the file extension of path.
func TypeForPath(path string) (Type, bool) {
	t, ok := extTypes[strings.ToLower(filepath.Ext(path))]
	return t, ok
}
