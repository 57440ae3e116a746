/*
Package vault keeps the credentials used to talk to each server's
management API.

Passwords are sealed with security.Cipher before they reach the graph and
are only decrypted when a caller needs them: to authenticate a request
(SelectValid) or to render a configuration artifact (Users). The user id is
derived from the username, the plaintext password and the shared secret,
so registering the same credential twice links the existing user.

Every HAS_USER link carries a state:

	pending   registered, not probed yet
	valid     the last GET /system with it succeeded
	invalid   the last probe failed for any reason

RefreshStates probes every link outside of any transaction and writes all
results in a single update. Running it twice without an external change
produces the same states.
*/
package vault
