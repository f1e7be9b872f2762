package plugin

// ManifestSchema is the JSON Schema a package manifest.json must satisfy
// before any trust is extended to the archive contents
const ManifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "name", "version", "entrypoint", "checksum"],
  "properties": {
    "id": {
      "type": "string",
      "pattern": "^[a-z0-9-]+$",
      "description": "Unique plugin identifier"
    },
    "name": {
      "type": "string",
      "minLength": 1,
      "description": "Human-readable plugin name"
    },
    "version": {
      "type": "string",
      "pattern": "^\\d+\\.\\d+\\.\\d+$",
      "description": "Semver version"
    },
    "description": {
      "type": "string"
    },
    "category": {
      "type": "string"
    },
    "badge": {
      "type": "string",
      "enum": ["", "community", "recommended", "new", "advanced"]
    },
    "entrypoint": {
      "type": "string",
      "minLength": 1,
      "description": "Entry point file path relative to the package root"
    },
    "checksum": {
      "type": "object",
      "required": ["algorithm", "digest"],
      "properties": {
        "algorithm": {
          "type": "string",
          "enum": ["sha256", "sha512"]
        },
        "digest": {
          "type": "string",
          "minLength": 1
        }
      }
    },
    "signature": {
      "type": "string",
      "description": "Base64 ed25519 signature over the package digest"
    },
    "dependencies": {
      "type": "array",
      "items": {
        "type": "string",
        "minLength": 1,
        "description": "Requirement string, e.g. other-plugin>=1.2.0"
      }
    },
    "permissions": {
      "type": "array",
      "items": {
        "type": "string",
        "enum": [
          "filesystem",
          "network",
          "subprocess",
          "elevated-privilege",
          "clipboard",
          "notifications"
        ]
      }
    },
    "compatibility": {
      "type": "object",
      "properties": {
        "minHostVersion": { "type": "string" },
        "maxHostVersion": { "type": "string" },
        "requiredCapabilities": {
          "type": "array",
          "items": { "type": "string" }
        }
      }
    }
  }
}`
