// Package artifact renders the Orthanc configuration file a managed server
// boots with. Each render is stored as a fleet secret named {uuid}_V{n};
// bumping n is how a configuration change reaches a running service.
package artifact
