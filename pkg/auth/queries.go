package auth

// Install/uninstall scripts for the authentication lookup function.
// The literal auth_user token is substituted with the derived auth
// role name before execution; the function must exist in every
// database the pooler routes to.

const installAuthFunctionSQL = `CREATE SCHEMA IF NOT EXISTS auth_user;
REVOKE ALL ON SCHEMA auth_user FROM PUBLIC;
GRANT USAGE ON SCHEMA auth_user TO auth_user;
CREATE OR REPLACE FUNCTION auth_user.get_auth(p_usename TEXT)
RETURNS TABLE(username TEXT, password TEXT) AS $$
BEGIN
    RAISE WARNING 'PgBouncer auth request: %', p_usename;
    RETURN QUERY
    SELECT usename::TEXT, passwd::TEXT FROM pg_catalog.pg_shadow
    WHERE usename = p_usename;
END;
$$ LANGUAGE plpgsql SECURITY DEFINER;
REVOKE ALL ON FUNCTION auth_user.get_auth(p_usename TEXT) FROM PUBLIC;
GRANT EXECUTE ON FUNCTION auth_user.get_auth(p_usename TEXT) TO auth_user;`

const removeAuthFunctionSQL = `DROP FUNCTION IF EXISTS auth_user.get_auth(p_usename TEXT);
DROP SCHEMA IF EXISTS auth_user;`
