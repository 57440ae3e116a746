/*
Package security protects the Orthanc credentials the cockpit stores.

Every server is linked to one or more users whose passwords are needed in
clear text to call the server's REST API. They are kept encrypted in the
graph with AES-256-GCM:

	key        = SHA-256(sharedSecret)
	ciphertext = base64(nonce || GCM-Seal(key, nonce, password))

The same shared secret salts user identifiers, so a credential has the same
id wherever it is used:

	userId = hex(SHA-256(username || password || sharedSecret))

Rotating the shared secret invalidates every stored password and every user
id; there is no re-keying procedure.

Passwords leave the process in clear only toward the server they belong to
(HTTP basic auth and generated configuration). Views returned to operators
use Mask.
*/
package security
