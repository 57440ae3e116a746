/*
Package orthanc is a client for the Orthanc REST management API.

Only the endpoints the cockpit needs are covered:

	GET    /system                    identity and ports, used as health probe
	PUT    /modalities/{id}           register or update a DICOM peer entry
	DELETE /modalities/{id}           remove an entry (404 is success)
	POST   /modalities/{id}/echo      C-ECHO through the server
	POST   /modalities/{id}/store     C-STORE resources to a modality
	PUT    /peers/{name}              register an Orthanc peer
	GET    /instances                 list stored instance ids
	POST   /tools/shutdown            stop the server

Every request uses HTTP basic auth with a credential chosen by pkg/vault.
Non-2xx answers become *APIError. Clients created by one Factory share a
rate.Limiter so a reconciliation sweep over many servers cannot flood the
network.
*/
package orthanc
